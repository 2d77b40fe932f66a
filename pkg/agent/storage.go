package agent

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	"github.com/alessio/shellescape"

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

const dfMinFields = 7

func homeDirectory(ctx context.Context, run CommandRunner) (string, error) {
	out, err := run.ExecuteCommand(ctx, "echo $HOME", "")
	if err != nil {
		return "", errors.WrapAndTrace(err)
	}
	home := strings.TrimSpace(out.StdOut)
	if !out.Succeeded() || home == "" {
		return "", errors.Errorf("could not resolve home directory: exit %d: %s", out.ExitCode, strings.TrimSpace(out.StdErr))
	}
	return home, nil
}

// tagParseError names the resource a report came from.
func tagParseError(err error, resource string) error {
	var pe *errors.ParseError
	if errors.As(err, &pe) && pe.ResourceID == "" {
		return pe.WithResource(resource)
	}
	return err
}

func storageVolumeInfo(ctx context.Context, run CommandRunner, resource, location string) (entity.StorageVolumeInfo, error) {
	target := strings.TrimSpace(location)
	if target == "" {
		home, err := homeDirectory(ctx, run)
		if err != nil {
			return entity.StorageVolumeInfo{}, err
		}
		target = home
	}

	human, err := runChecked(ctx, run, "df -P -T -h "+shellescape.Quote(target))
	if err != nil {
		return entity.StorageVolumeInfo{}, err
	}
	blocks, err := runChecked(ctx, run, "df -P -T "+shellescape.Quote(target))
	if err != nil {
		return entity.StorageVolumeInfo{}, err
	}
	info, err := ParseDFReport(human, blocks)
	return info, tagParseError(err, resource)
}

func storageDirectoryInfo(ctx context.Context, run CommandRunner, resource, location string) (entity.StorageDirectoryInfo, error) {
	target := strings.TrimSpace(location)
	if target == "" {
		home, err := homeDirectory(ctx, run)
		if err != nil {
			return entity.StorageDirectoryInfo{}, err
		}
		target = home
	}
	out, err := runChecked(ctx, run, "du -sk "+shellescape.Quote(target))
	if err != nil {
		return entity.StorageDirectoryInfo{}, err
	}
	info, err := ParseDUReport(out)
	return info, tagParseError(err, resource)
}

func runChecked(ctx context.Context, run CommandRunner, command string) (string, error) {
	out, err := run.ExecuteCommand(ctx, command, "")
	if err != nil {
		return "", errors.WrapAndTrace(err)
	}
	if !out.Succeeded() {
		return "", errors.Errorf("%s exited %d: %s", command, out.ExitCode, strings.TrimSpace(out.StdErr))
	}
	return out.StdOut, nil
}

// dfRow returns the data row of a `df -P -T` report: header line first, then
// type, size, used, available, capacity and a mount point that may contain
// spaces. The mount point is returned as printed.
func dfRow(report string) ([]string, string, error) {
	lines := strings.Split(strings.TrimSpace(report), "\n")
	if len(lines) < 2 {
		return nil, "", errors.NewParseError("df", "expected a header and a data row", report)
	}
	fields := strings.Fields(lines[1])
	if len(fields) < dfMinFields {
		return nil, "", errors.NewParseError("df", "expected at least 7 fields in data row, got "+strconv.Itoa(len(fields)), report)
	}
	return fields, afterFields(lines[1], dfMinFields-1), nil
}

// afterFields drops the first n whitespace-separated fields of line.
func afterFields(line string, n int) string {
	rest := strings.TrimLeftFunc(line, unicode.IsSpace)
	for i := 0; i < n; i++ {
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[end:], unicode.IsSpace)
	}
	return strings.TrimRightFunc(rest, unicode.IsSpace)
}

// ParseDFReport combines the human-readable and 1024-block `df -P -T`
// reports for one location.
func ParseDFReport(human, blocks string) (entity.StorageVolumeInfo, error) {
	h, mount, err := dfRow(human)
	if err != nil {
		return entity.StorageVolumeInfo{}, err
	}
	b, _, err := dfRow(blocks)
	if err != nil {
		return entity.StorageVolumeInfo{}, err
	}

	sizes := make([]int64, 3)
	for i := range sizes {
		kb, err := strconv.ParseInt(b[2+i], 10, 64)
		if err != nil {
			return entity.StorageVolumeInfo{}, errors.NewParseError("df", "non-numeric block count "+b[2+i], blocks)
		}
		sizes[i] = kb * 1024
	}
	percent, err := strconv.ParseFloat(strings.TrimSuffix(b[5], "%"), 64)
	if err != nil {
		return entity.StorageVolumeInfo{}, errors.NewParseError("df", "invalid capacity "+b[5], blocks)
	}

	return entity.StorageVolumeInfo{
		FilesystemType:     h[1],
		TotalSize:          h[2],
		UsedSize:           h[3],
		AvailableSize:      h[4],
		TotalSizeBytes:     sizes[0],
		UsedSizeBytes:      sizes[1],
		AvailableSizeBytes: sizes[2],
		PercentageUsed:     percent,
		MountPoint:         mount,
	}, nil
}

// ParseDUReport reads `du -sk` output.
func ParseDUReport(report string) (entity.StorageDirectoryInfo, error) {
	fields := strings.Fields(strings.TrimSpace(report))
	if len(fields) == 0 {
		return entity.StorageDirectoryInfo{}, errors.NewParseError("du", "empty output", report)
	}
	kb, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return entity.StorageDirectoryInfo{}, errors.NewParseError("du", "non-numeric size "+fields[0], report)
	}
	return entity.StorageDirectoryInfo{
		TotalSize:      strconv.FormatInt(kb, 10) + "kb",
		TotalSizeBytes: kb * 1024,
	}, nil
}
