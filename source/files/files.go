package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/root-talis/lineage/migration"
	"github.com/root-talis/lineage/source"
)

const (
	migrationSuffix = ".edgeql"
	fixupsSubdir    = "fixups"
)

type fileSource struct {
	fsys           fs.FS
	migrationsDir  string
	validateHashes bool
}

// New returns a Source reading <migrationsDirectory>/*.edgeql as the
// canonical chain and <migrationsDirectory>/fixups/*.edgeql as the fixup
// set. When validateHashes is set, each file's revision id is checked
// against the hash of its contents.
func New(fsys fs.FS, migrationsDirectory string, validateHashes bool) (source.Source, error) {
	stat, err := fs.Stat(fsys, migrationsDirectory)
	if err == nil && !stat.IsDir() {
		return nil, source.ErrNotADirectory
	}

	return &fileSource{
		fsys:           fsys,
		migrationsDir:  migrationsDirectory,
		validateHashes: validateHashes,
	}, nil
}

func (src *fileSource) ReadAll(ctx context.Context) (*migration.Set, error) {
	entries, err := fs.ReadDir(src.fsys, src.migrationsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return migration.NewSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byParent := make(map[string]*migration.File)
	for _, entry := range entries {
		if !isMigrationEntry(entry) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		filePath := path.Join(src.migrationsDir, entry.Name())
		file, err := src.readFile(filePath)
		if err != nil {
			return nil, err
		}

		if prev, exists := byParent[file.ParentID]; exists {
			return nil, fmt.Errorf(
				"files %q and %q have the same parent revision %q; "+
					"multiple branches in revision history are not supported, "+
					"please rebase one of the branches on top of the other",
				filePath, prev.Path, file.ParentID,
			)
		}
		byParent[file.ParentID] = file
	}

	result, err := migration.SortChain(byParent)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble migration chain: %w", err)
	}
	return result, nil
}

func (src *fileSource) ReadFixups(ctx context.Context) (migration.FixupList, error) {
	fixupsDir := path.Join(src.migrationsDir, fixupsSubdir)

	entries, err := fs.ReadDir(src.fsys, fixupsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fixups directory: %w", err)
	}

	result := make(migration.FixupList, 0, len(entries))
	for _, entry := range entries {
		if !isMigrationEntry(entry) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		filePath := path.Join(fixupsDir, entry.Name())
		file, err := src.readFile(filePath)
		if err != nil {
			return nil, err
		}

		target, err := fixupTargetFromName(entry.Name(), file)
		if err != nil {
			return nil, err
		}
		file.FixupTarget = target

		result = append(result, file)
	}

	return result, nil
}

func (src *fileSource) readFile(filePath string) (*migration.File, error) {
	text, err := fs.ReadFile(src.fsys, filePath)
	if err != nil {
		return nil, fmt.Errorf("could not read migration file %q: %w", filePath, err)
	}

	data, err := migration.Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("could not read migration file %q: %w", filePath, err)
	}

	file := &migration.File{
		Migration: data,
		Path:      filePath,
		Text:      string(text),
	}
	if src.validateHashes {
		if err := migration.ValidateID(file); err != nil {
			return nil, fmt.Errorf("could not read migration file %q: %w", filePath, err)
		}
	}
	return file, nil
}

// fixupTargetFromName extracts the redirect target from a fixup file name of
// the form <target>-<id>.edgeql and cross-checks the id half against the
// parsed file.
func fixupTargetFromName(name string, file *migration.File) (string, error) {
	stem := strings.TrimSuffix(name, migrationSuffix)
	target, id, ok := strings.Cut(stem, "-")
	if !ok || target == "" || id == "" {
		return "", fmt.Errorf(
			"fixup file %q should be named <target>-<id>%s",
			file.Path, migrationSuffix,
		)
	}
	if id != file.ID {
		return "", fmt.Errorf(
			"fixup file %q declares migration %q; the file should be renamed %s-%s%s",
			file.Path, file.ID, target, file.ID, migrationSuffix,
		)
	}
	if target == file.ParentID || target == file.ID {
		return "", fmt.Errorf(
			"fixup file %q redirects %q onto itself", file.Path, target,
		)
	}
	return target, nil
}

func isMigrationEntry(entry fs.DirEntry) bool {
	name := entry.Name()
	return !entry.IsDir() &&
		entry.Type().IsRegular() &&
		!strings.HasPrefix(name, ".") &&
		strings.HasSuffix(name, migrationSuffix)
}
