package naming

import (
	"net/url"
	"strings"
)

// DomainMapper translates between the hosts resources are served from and
// the hosts they are fetched from.
type DomainMapper interface {
	// MapToOrigin returns the URL to fetch when a resource is requested on u.
	MapToOrigin(u string) string
	// MapForServing returns the URL generated resources should be served at.
	MapForServing(u string) string
}

// StaticMapper maps hosts through two fixed tables keyed by lowercased host
// (with port, if any). Unmapped hosts pass through.
type StaticMapper struct {
	Origin  map[string]string
	Serving map[string]string
}

func NewStaticMapper(origin, serving map[string]string) StaticMapper {
	lower := func(m map[string]string) map[string]string {
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[strings.ToLower(k)] = v
		}
		return out
	}
	return StaticMapper{Origin: lower(origin), Serving: lower(serving)}
}

func (m StaticMapper) MapToOrigin(u string) string   { return mapHost(m.Origin, u) }
func (m StaticMapper) MapForServing(u string) string { return mapHost(m.Serving, u) }

func mapHost(table map[string]string, raw string) string {
	if len(table) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	to, ok := table[strings.ToLower(u.Host)]
	if !ok {
		return raw
	}
	if scheme, host, found := strings.Cut(to, "://"); found {
		u.Scheme, u.Host = scheme, host
	} else {
		u.Host = to
	}
	return u.String()
}
