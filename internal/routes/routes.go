// Package routes defines the client-side route table of the dashboard SPA.
//
// The table is handed to the browser history router as JSON and is used by
// the static handler to decide which paths fall back to index.html.
package routes

import (
	"fmt"
	"strings"
)

// View names of the SPA components bound to routes.
const (
	ViewLayout         = "Layout"
	ViewDockerInfo     = "DockerInfoView"
	ViewContainersList = "ContainersList"
)

// Route names.
const (
	NameHome           = "home"
	NameContainersList = "containers_list"
)

// Route binds a URL path template to a view. The layout route has no name.
type Route struct {
	Path     string  `json:"path"`
	Name     string  `json:"name,omitempty"`
	View     string  `json:"component"`
	Children []Route `json:"children,omitempty"`
}

// Table returns the dashboard route tree: a layout route at "/" wrapping
// the docker info view at "/" and the container list at "/containers_list".
func Table() []Route {
	return []Route{
		{
			Path: "/",
			View: ViewLayout,
			Children: []Route{
				{Path: "/", Name: NameHome, View: ViewDockerInfo},
				{Path: "/containers_list", Name: NameContainersList, View: ViewContainersList},
			},
		},
	}
}

// Flatten returns the named routes of the tree in depth-first order.
func Flatten(table []Route) []Route {
	var out []Route
	var walk func([]Route)
	walk = func(rs []Route) {
		for _, r := range rs {
			if r.Name != "" {
				leaf := r
				leaf.Children = nil
				out = append(out, leaf)
			}
			walk(r.Children)
		}
	}
	walk(table)
	return out
}

// Lookup resolves a request path to the named route serving it. A single
// trailing slash is ignored, so "/containers_list/" resolves like
// "/containers_list".
func Lookup(table []Route, path string) (Route, bool) {
	path = normalize(path)
	for _, r := range Flatten(table) {
		if normalize(r.Path) == path {
			return r, true
		}
	}
	return Route{}, false
}

// Validate reports duplicate route names and paths that do not start with
// a slash.
func Validate(table []Route) []error {
	var errs []error
	seen := make(map[string]string)
	var walk func(prefix string, rs []Route)
	walk = func(prefix string, rs []Route) {
		for i, r := range rs {
			loc := fmt.Sprintf("%s[%d]", prefix, i)
			if !strings.HasPrefix(r.Path, "/") {
				errs = append(errs, fmt.Errorf("%s.path: must start with '/', got %q", loc, r.Path))
			}
			if r.Name != "" {
				if first, dup := seen[r.Name]; dup {
					errs = append(errs, fmt.Errorf("%s.name: duplicate route name %q (first at %s)", loc, r.Name, first))
				} else {
					seen[r.Name] = loc
				}
			}
			walk(loc+".children", r.Children)
		}
	}
	walk("routes", table)
	return errs
}

// Render returns an indented, human readable listing of the tree.
func Render(table []Route) string {
	var b strings.Builder
	var walk func(depth int, rs []Route)
	walk = func(depth int, rs []Route) {
		for _, r := range rs {
			b.WriteString(strings.Repeat("  ", depth))
			name := r.Name
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(&b, "%s %s -> %s\n", r.Path, name, r.View)
			walk(depth+1, r.Children)
		}
	}
	walk(0, table)
	return b.String()
}

func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
