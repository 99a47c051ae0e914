package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/qplan/internal/compiler"
	"github.com/roach88/qplan/internal/entity"
)

// LoadMode selects whether LoadEntities stops at the first problem.
type LoadMode int

const (
	LoadModeFailFast LoadMode = iota
	LoadModeCollectAll
)

// LoadResult is what a directory of entity files compiled to. Registry is
// nil unless every definition compiled and validated.
type LoadResult struct {
	Definitions []entity.Definition
	Registry    *entity.Registry
	CUEValue    cue.Value
	FileCount   int
}

// LoadError is a coded problem found while loading entities, positioned
// in the CUE source when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return e.Code + ": " + e.Message
}

func loadFailure(code, format string, args ...any) []error {
	return []error{&LoadError{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// LoadEntities compiles and validates the `entity: <Name>: {...}` blocks
// of the CUE package in dir. A nil result means the directory could not be
// read or built at all; otherwise the errors are per entity, all of them in
// LoadModeCollectAll.
func LoadEntities(dir string, mode LoadMode) (*LoadResult, []error) {
	value, fileCount, errs := buildPackage(dir)
	if errs != nil {
		return nil, errs
	}
	result := &LoadResult{CUEValue: value, FileCount: fileCount}

	entities := value.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return result, loadFailure(ErrCodeGeneric, "no entities found")
	}
	iter, err := entities.Fields()
	if err != nil {
		return result, loadFailure(ErrCodeGeneric, "iterating entities: %v", err)
	}

	var problems []error
	for iter.Next() {
		def, err := compiler.CompileEntity(iter.Value())
		if err != nil {
			problems = append(problems, convertCompileError(err, "entity."+iter.Selector().String()))
			if mode == LoadModeFailFast {
				return result, problems
			}
			continue
		}
		result.Definitions = append(result.Definitions, *def)
	}
	for _, ve := range compiler.Validate(result.Definitions) {
		problems = append(problems, &LoadError{Code: ve.Code, Message: ve.Field + ": " + ve.Message})
		if mode == LoadModeFailFast {
			return result, problems
		}
	}
	if len(problems) > 0 {
		return result, problems
	}

	reg, err := entity.NewRegistry(result.Definitions...)
	if err != nil {
		return result, loadFailure(ErrCodeGeneric, "linking entities: %v", err)
	}
	result.Registry = reg
	return result, nil
}

// buildPackage loads dir as one CUE instance.
func buildPackage(dir string) (cue.Value, int, []error) {
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return cue.Value{}, 0, loadFailure(ErrCodeNotFound, "entities directory not found: %s", dir)
	case err != nil:
		return cue.Value{}, 0, loadFailure(ErrCodeNotFound, "error accessing entities directory: %v", err)
	case !info.IsDir():
		return cue.Value{}, 0, loadFailure(ErrCodeNotFound, "not a directory: %s", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return cue.Value{}, 0, loadFailure(ErrCodeScanError, "error scanning directory: %v", err)
	}
	if len(files) == 0 {
		return cue.Value{}, 0, loadFailure(ErrCodeNoFiles, "no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, 0, loadFailure(ErrCodeLoadFailed, "no CUE instances loaded")
	}
	if err := instances[0].Err; err != nil {
		return cue.Value{}, 0, loadFailure(ErrCodeLoadFailed, "loading CUE files: %v", err)
	}
	value := cuecontext.New().BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return cue.Value{}, 0, loadFailure(ErrCodeBuildFailed, "building CUE value: %v", err)
	}
	return value, len(files), nil
}

// LoadRegistry loads dir fail-fast and returns the linked registry.
func LoadRegistry(dir string) (*entity.Registry, error) {
	result, errs := LoadEntities(dir, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return result.Registry, nil
}

// FindCUEFiles lists the .cue files under dir, recursively.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return err
	})
	return files, err
}

// convertCompileError codes a compiler error by the field it names.
func convertCompileError(err error, where string) *LoadError {
	var compileErr *compiler.CompileError
	if !errors.As(err, &compileErr) {
		return &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("%s: %v", where, err)}
	}
	return &LoadError{
		Code:    MapFieldToErrorCode(compileErr.Field, compileErr.Message),
		Message: where + ": " + compileErr.Message,
		Pos:     compileErr.Pos,
	}
}

// MapFieldToErrorCode maps a compiler error field to an error code.
func MapFieldToErrorCode(field, message string) string {
	switch {
	case field == "identity":
		return compiler.ErrIdentityInvalid
	case field == "properties":
		return compiler.ErrEntityNoProperties
	case strings.HasSuffix(field, ".target"):
		return compiler.ErrUnknownTarget
	case field == "type" || strings.HasSuffix(field, ".type"):
		if strings.Contains(message, "float") {
			return compiler.ErrFloatTypeForbidden
		}
		return compiler.ErrInvalidFieldType
	default:
		return ErrCodeGeneric
	}
}
