package schemas

import "fmt"

// PropertyChanges is a declarative description of a property-table
// migration: additions, renames, and removals. Used by the HTTP
// migration endpoint and the CLI, where arbitrary Go transforms are not
// available.
type PropertyChanges struct {
	Add    map[string]PropertySpec
	Rename map[string]string
	Remove []string
}

// DeclarativeUpdate builds an UpdateProperties function from a change
// set. Changes apply in rename, remove, add order; a change referring
// to a property that does not exist fails the migration rather than
// silently doing nothing.
func DeclarativeUpdate(changes PropertyChanges) func(map[string]PropertySpec) (map[string]PropertySpec, error) {
	return func(props map[string]PropertySpec) (map[string]PropertySpec, error) {
		for from, to := range changes.Rename {
			spec, ok := props[from]
			if !ok {
				return nil, fmt.Errorf("cannot rename unknown property %q", from)
			}
			if _, exists := props[to]; exists {
				return nil, fmt.Errorf("cannot rename %q to existing property %q", from, to)
			}
			delete(props, from)
			props[to] = spec
		}

		for _, name := range changes.Remove {
			if _, ok := props[name]; !ok {
				return nil, fmt.Errorf("cannot remove unknown property %q", name)
			}
			delete(props, name)
		}

		for name, spec := range changes.Add {
			if _, exists := props[name]; exists {
				return nil, fmt.Errorf("property %q already exists", name)
			}
			props[name] = spec
		}

		if len(props) == 0 {
			return nil, fmt.Errorf("migration would leave the schema without properties")
		}
		return props, nil
	}
}
