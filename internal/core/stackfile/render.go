package stackfile

import (
	"regexp"
	"sort"

	"github.com/artpar/stackup/internal/core/domain"
)

// =============================================================================
// Template Rendering
// =============================================================================

// placeholderRegex matches, in order of alternatives:
//   - $$                 escaped dollar, left for the cluster manager
//   - ${VAR}, ${VAR:-d}, ${VAR-d}, ${VAR:?m}, ${VAR?m}
//   - $VAR
//
// Groups:
//   - Group 1: braced variable name
//   - Group 2: operator (":-", "-", ":?", "?")
//   - Group 3: default value or error message
//   - Group 4: bare variable name
var placeholderRegex = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|-|:\?|\?)([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Render substitutes Environment parameters into a unit template.
//
// Behavior:
//   - ${VAR} / $VAR - replaced with the value; unset is a missing parameter
//   - ${VAR:-default} - value if set and non-empty, otherwise default
//   - ${VAR-default} - value if set (even empty), otherwise default
//   - ${VAR:?message} - value if set and non-empty, otherwise missing
//   - ${VAR?message} - value if set, otherwise missing
//   - $$ - left unchanged so the cluster manager sees a literal dollar
//
// Every missing parameter is reported at once in a *MissingParamsError.
//
// Examples:
//
//	Render("image: traefik:${TRAEFIK_VERSION:-v3.1}", env)
//	// Returns: "image: traefik:v3.1" when TRAEFIK_VERSION is unset
//
//	Render("Host(`admin.${DOMAIN}`)", env)
//	// Returns: *MissingParamsError{Names: ["DOMAIN"]} when DOMAIN is unset
func Render(template string, env domain.Environment) (string, error) {
	missing := make(map[string]string)

	out := placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		if match == "$$" {
			return match
		}
		sub := placeholderRegex.FindStringSubmatch(match)
		name, op, arg := sub[1], sub[2], sub[3]
		if name == "" {
			name = sub[4]
		}

		val, ok := env.Lookup(name)
		switch op {
		case ":-":
			if ok && val != "" {
				return val
			}
			return arg
		case "-":
			if ok {
				return val
			}
			return arg
		case ":?":
			if ok && val != "" {
				return val
			}
			missing[name] = arg
			return match
		case "?":
			if ok {
				return val
			}
			missing[name] = arg
			return match
		default:
			if ok {
				return val
			}
			if _, seen := missing[name]; !seen {
				missing[name] = ""
			}
			return match
		}
	})

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &MissingParamsError{Names: names, Messages: missing}
	}
	return out, nil
}

// Params lists every parameter a template references, sorted and unique.
// Parameters that carry a default are included.
func Params(template string) []string {
	seen := make(map[string]bool)
	for _, sub := range placeholderRegex.FindAllStringSubmatch(template, -1) {
		name := sub[1]
		if name == "" {
			name = sub[4]
		}
		if name != "" {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
