package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// credentialFile is one <dir>/<gateway>/<token>.yaml entry. The private key
// is either inline or in a separate file, relative to the credential file.
type credentialFile struct {
	LoginUser      string `yaml:"loginUser"`
	PublicKey      string `yaml:"publicKey,omitempty"`
	PrivateKey     string `yaml:"privateKey,omitempty"`
	PrivateKeyFile string `yaml:"privateKeyFile,omitempty"`
	Passphrase     string `yaml:"passphrase,omitempty"`
}

func (f FileStore) credentialPath(token, gatewayID string) (string, error) {
	for _, part := range []string{token, gatewayID} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", errors.NewValidationError("invalid credential token or gateway " + part)
		}
	}
	if f.credentialDir == "" {
		return "", errors.New("no credential directory configured")
	}
	return filepath.Join(f.credentialDir, gatewayID, token+".yaml"), nil
}

func (f FileStore) Resolve(_ context.Context, token, gatewayID string) (entity.Credential, error) {
	path, err := f.credentialPath(token, gatewayID)
	if err != nil {
		return entity.Credential{}, err
	}
	exists, err := f.FileExists(path)
	if err != nil {
		return entity.Credential{}, err
	}
	if !exists {
		return entity.Credential{}, notFound("credential", gatewayID+"/"+token)
	}

	var cf credentialFile
	if err := f.readYAML(path, &cf); err != nil {
		return entity.Credential{}, err
	}
	key := []byte(cf.PrivateKey)
	if cf.PrivateKeyFile != "" {
		keyPath := cf.PrivateKeyFile
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(filepath.Dir(path), keyPath)
		}
		key, err = afero.ReadFile(f.fs, keyPath)
		if err != nil {
			return entity.Credential{}, errors.WrapAndTrace(err, "reading private key for", gatewayID+"/"+token)
		}
	}
	if cf.LoginUser == "" {
		return entity.Credential{}, errors.NewValidationError("credential " + gatewayID + "/" + token + " has no loginUser")
	}
	return entity.Credential{
		AuthMaterial: entity.AuthMaterial{
			PublicKey:  []byte(cf.PublicKey),
			PrivateKey: key,
			Passphrase: cf.Passphrase,
		},
		LoginUser: cf.LoginUser,
	}, nil
}

// SaveCredential writes cred inline under token for gatewayID.
func (f FileStore) SaveCredential(token, gatewayID string, cred entity.Credential) error {
	path, err := f.credentialPath(token, gatewayID)
	if err != nil {
		return err
	}
	return f.writeYAML(path, credentialFile{
		LoginUser:  cred.LoginUser,
		PublicKey:  string(cred.PublicKey),
		PrivateKey: string(cred.PrivateKey),
		Passphrase: cred.Passphrase,
	})
}
