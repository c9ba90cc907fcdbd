package stackfile

import (
	"regexp"
	"sort"
	"strings"
)

// =============================================================================
// Ingress Host Extraction
// =============================================================================

// routerRuleKey matches Traefik router rule labels, e.g.
// "traefik.http.routers.portainer.rule".
var routerRuleKey = regexp.MustCompile(`^traefik\.(http|tcp)\.routers\.[^.]+\.rule$`)

// hostMatcher matches Host(...) and HostSNI(...) matchers in a rule.
var hostMatcher = regexp.MustCompile("Host(?:SNI)?\\(([^)]*)\\)")

// quotedHost matches a backtick- or double-quoted hostname argument.
var quotedHost = regexp.MustCompile("[`\"]([^`\"]+)[`\"]")

// Hosts returns every hostname routed by the edge router for this stack,
// read from Traefik router rules in both container and deploy labels.
//
// Example:
//
//	// deploy.labels: traefik.http.routers.admin.rule=Host(`admin.example.com`)
//	stack.Hosts()
//	// Returns: ["admin.example.com"]
func (s *StackFile) Hosts() []string {
	seen := make(map[string]bool)
	for _, svc := range s.Services {
		for _, labels := range []map[string]string{svc.Labels, svc.DeployLabels} {
			for k, v := range labels {
				if !routerRuleKey.MatchString(k) {
					continue
				}
				for _, h := range HostsFromRule(v) {
					seen[h] = true
				}
			}
		}
	}

	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// HostsFromRule extracts literal hostnames from a single Traefik rule.
// Wildcard SNI ("*") is skipped.
func HostsFromRule(rule string) []string {
	var hosts []string
	for _, m := range hostMatcher.FindAllStringSubmatch(rule, -1) {
		for _, q := range quotedHost.FindAllStringSubmatch(m[1], -1) {
			h := strings.ToLower(strings.TrimSpace(q[1]))
			if h == "" || h == "*" {
				continue
			}
			hosts = append(hosts, h)
		}
	}
	return hosts
}
