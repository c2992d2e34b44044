package jsonnetutil

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/google/go-jsonnet"
	"github.com/google/go-jsonnet/ast"
	aliasimporter "github.com/mashiike/go-jsonnet-alias-importer"
)

var nativeFunctions = []*jsonnet.NativeFunction{
	{
		Name:   "env",
		Params: []ast.Identifier{"name", "default"},
		Func: func(args []any) (any, error) {
			key, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("env: name must be a string")
			}
			if v := os.Getenv(key); v != "" {
				return v, nil
			}
			return args[1], nil
		},
	},
	{
		Name:   "mustEnv",
		Params: []ast.Identifier{"name"},
		Func: func(args []any) (any, error) {
			key, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("mustEnv: name must be a string")
			}
			if v, ok := os.LookupEnv(key); ok {
				return v, nil
			}
			return nil, fmt.Errorf("mustEnv: %s is not set", key)
		},
	},
}

// VM wraps a jsonnet VM with the env native functions and an alias importer.
type VM struct {
	vm       *jsonnet.VM
	importer *aliasimporter.AliasImpoter
}

func MakeVM() *VM {
	vm := jsonnet.MakeVM()
	importer := aliasimporter.New()
	vm.Importer(importer)
	for _, f := range nativeFunctions {
		vm.NativeFunction(f)
	}
	return &VM{
		vm:       vm,
		importer: importer,
	}
}

func (vm *VM) ExtVars(extVars map[string]string) {
	for k, v := range extVars {
		vm.vm.ExtVar(k, v)
	}
}

func (vm *VM) ExtCodes(extCodes map[string]string) {
	for k, v := range extCodes {
		vm.vm.ExtCode(k, v)
	}
}

// Includes makes fsys importable as '@includes/<path>'.
func (vm *VM) Includes(fsys fs.FS) {
	vm.importer.Register("includes", fsys)
	vm.importer.ClearCache()
}

func (vm *VM) EvaluateSnippet(filename, snippet string) (string, error) {
	return vm.vm.EvaluateAnonymousSnippet(filename, snippet)
}

// EvaluateFile reads a config file from fsys; a .json file is a valid Jsonnet snippet too.
func (vm *VM) EvaluateFile(fsys fs.FS, name string) (string, error) {
	bs, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return vm.EvaluateSnippet(name, string(bs))
}
