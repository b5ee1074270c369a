package registry

import "plugin"

// PluginLoader compiles registrations from Go plugin (.so) files built
// with `go build -buildmode=plugin`. Each plugin exports a package-level
// `var Registrations []*registry.Registration`; this is the "plugin
// DLL/SO" option named by spec §9's required re-architecture of the
// source's directory-of-modules import.
type PluginLoader struct{}

func (PluginLoader) Load(path string) ([]*Registration, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("Registrations")
	if err != nil {
		return nil, err
	}
	regsPtr, ok := sym.(*[]*Registration)
	if !ok {
		return nil, errRegistrationsSymbolShape
	}
	return *regsPtr, nil
}

var errRegistrationsSymbolShape = pluginShapeErr("registry: plugin must export `var Registrations []*registry.Registration`")

type pluginShapeErr string

func (e pluginShapeErr) Error() string { return string(e) }
