package store

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/sciencegateway/jobgate/pkg/errors"
)

// FileStore reads the compute resource catalog and credentials from files.
type FileStore struct {
	BasicStore
	fs            afero.Fs
	catalogPath   string
	credentialDir string
}

func (b *BasicStore) WithFileSystem(fs afero.Fs) *FileStore {
	return &FileStore{BasicStore: *b, fs: fs}
}

func (f *FileStore) WithCatalogFile(path string) *FileStore {
	f.catalogPath = path
	return f
}

func (f *FileStore) WithCredentialDir(dir string) *FileStore {
	f.credentialDir = dir
	return f
}

func (f FileStore) GetOrCreateFile(path string) (afero.File, error) {
	fileExists, err := afero.Exists(f.fs, path)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	var file afero.File
	if fileExists {
		file, err = f.fs.OpenFile(path, os.O_RDWR, 0o600)
		if err != nil {
			return nil, errors.WrapAndTrace(err)
		}
	} else {
		if err = f.fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.WrapAndTrace(err)
		}
		file, err = f.fs.Create(path)
		if err != nil {
			return nil, errors.WrapAndTrace(err)
		}
	}
	return file, nil
}

func (f FileStore) FileExists(path string) (bool, error) {
	fileExists, err := afero.Exists(f.fs, path)
	if err != nil {
		return false, errors.WrapAndTrace(err)
	}
	return fileExists, nil
}

func (f FileStore) readYAML(path string, v any) error {
	b, err := afero.ReadFile(f.fs, path)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		return errors.WrapAndTrace(err, "parsing", path)
	}
	return nil
}

func (f FileStore) writeYAML(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	file, err := f.GetOrCreateFile(path)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck // written below
	if err := file.Truncate(0); err != nil {
		return errors.WrapAndTrace(err)
	}
	if _, err := file.WriteAt(b, 0); err != nil {
		return errors.WrapAndTrace(err)
	}
	return nil
}
