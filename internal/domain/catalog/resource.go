package catalog

import (
	"fmt"
	"sort"
)

// Filter maps a list filter key to the query parameter the server reads.
type Filter struct {
	Key   string
	Param string
	Label string
}

// Resource describes one paginated API collection.
type Resource struct {
	Name string
	Path string
	// KeyField names the identifier used in /<res>/<key> paths.
	KeyField string
	Filters  []Filter
	// ClientSideFilter marks lists that fetch a large page when any filter
	// is set and paginate locally.
	ClientSideFilter bool
	// AdminOnly marks collections reachable only by administrators.
	AdminOnly bool
}

// FilterParam returns the query parameter of key.
func (r Resource) FilterParam(key string) (string, bool) {
	for _, f := range r.Filters {
		if f.Key == key {
			return f.Param, true
		}
	}
	return "", false
}

var (
	nameFilter     = Filter{Key: "nombre", Param: "nombre", Label: "Nombre"}
	categoryFilter = Filter{Key: "categoria", Param: "categoria", Label: "Categoría"}
	codeFilter     = Filter{Key: "codigo", Param: "codigo", Label: "Código"}
)

var (
	Symptoms = Resource{
		Name: "symptoms", Path: "/symptoms", KeyField: "id",
		Filters: []Filter{nameFilter, categoryFilter, codeFilter},
	}
	Signs = Resource{
		Name: "signs", Path: "/signs", KeyField: "id",
		Filters: []Filter{nameFilter, categoryFilter, codeFilter},
	}
	LabTests = Resource{
		Name: "lab-tests", Path: "/lab-tests", KeyField: "id",
		Filters: []Filter{nameFilter, categoryFilter, codeFilter},
	}
	PostmortemTests = Resource{
		Name: "postmortem-tests", Path: "/postmortem-tests", KeyField: "code",
		Filters: []Filter{
			nameFilter, categoryFilter, codeFilter,
			{Key: "disease", Param: "disease", Label: "Enfermedad"},
			{Key: "autopsy_date", Param: "autopsy_date", Label: "Fecha de autopsia"},
		},
	}
	Diseases = Resource{
		Name: "diseases", Path: "/diseases", KeyField: "code",
		Filters: []Filter{
			nameFilter, categoryFilter,
			{Key: "severidad", Param: "severidad", Label: "Severidad"},
			codeFilter,
		},
	}
	Patients = Resource{
		Name: "patients", Path: "/patients", KeyField: "id",
		Filters: []Filter{
			nameFilter,
			{Key: "apellido_paterno", Param: "apellido_paterno", Label: "Apellido paterno"},
			{Key: "apellido_materno", Param: "apellido_materno", Label: "Apellido materno"},
			{Key: "enfermedad", Param: "enfermedad", Label: "Enfermedad"},
		},
		ClientSideFilter: true,
	}
	Users = Resource{
		Name: "users", Path: "/users", KeyField: "id",
		Filters: []Filter{
			{Key: "username", Param: "username", Label: "Usuario"},
			{Key: "role", Param: "role", Label: "Rol"},
			nameFilter,
			{Key: "apellido_paterno", Param: "apellido_paterno", Label: "Apellido paterno"},
			{Key: "apellido_materno", Param: "apellido_materno", Label: "Apellido materno"},
		},
		AdminOnly: true,
	}
)

var resources = map[string]Resource{}

func init() {
	for _, r := range []Resource{Symptoms, Signs, LabTests, PostmortemTests, Diseases, Patients, Users} {
		resources[r.Name] = r
	}
}

// Lookup finds a resource by name.
func Lookup(name string) (Resource, error) {
	r, ok := resources[name]
	if !ok {
		return Resource{}, fmt.Errorf("unknown resource %q", name)
	}
	return r, nil
}

// Names returns every resource name, sorted.
func Names() []string {
	out := make([]string, 0, len(resources))
	for n := range resources {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsTestKind reports whether r is one of the tests-by-kind tables, which
// debounce their filters more tightly than the other catalogs.
func (r Resource) IsTestKind() bool {
	return r.Name == LabTests.Name || r.Name == PostmortemTests.Name
}
