// Package config implements the ambient process bootstrap (viper-backed
// settings) and the proxy service-list file format from spec §6: a
// line-oriented, hot-reloaded-by-mtime table describing internal
// servants (MCache/Redis) and external service proxies.
//
// Grounded on the teacher's own viper+fsnotify config loading (graphjin's
// serv config watches its main config file for live reload) generalized
// to this module's two config surfaces: process settings and the
// separate service-list file BigServant consults.
package config

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Endpoint is one `proto+host+port [timeout=send,close,connect]` token
// from an external-service line.
type Endpoint struct {
	Proto string
	Host  string
	Port  int

	SendTimeoutMsec    int
	CloseTimeoutMsec   int
	ConnectTimeoutMsec int
}

// Entry is one parsed line (or internal-servant declaration) from the
// service-list file.
type Entry struct {
	Identity string // e.g. "MCache", "Redis~cold", "search"
	Internal bool

	// Internal-servant fields.
	InternalKind string // "MCache" or "Redis"
	Variant      string // text after "~", if any
	MCacheAddrs  []string
	RedisPass    string
	RedisAddrs   []string

	// External-service fields.
	Options   string
	Endpoints []Endpoint
}

// ParseServiceList parses the full file content into a slice of entries,
// in file order. Comment lines (`#`) and blank lines are skipped;
// continuation lines beginning with `@` append an endpoint to the
// previous external entry, and `=` appends to its options string.
func ParseServiceList(data []byte) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "@") {
			if len(entries) == 0 {
				return nil, fmt.Errorf("config: continuation line %q with no preceding entry", line)
			}
			ep, err := parseEndpoint(strings.TrimPrefix(trimmed, "@"))
			if err != nil {
				return nil, err
			}
			last := &entries[len(entries)-1]
			last.Endpoints = append(last.Endpoints, ep)
			continue
		}
		if strings.HasPrefix(trimmed, "=") {
			if len(entries) == 0 {
				return nil, fmt.Errorf("config: continuation line %q with no preceding entry", line)
			}
			last := &entries[len(entries)-1]
			last.Options = strings.TrimSpace(last.Options + " " + strings.TrimPrefix(trimmed, "="))
			continue
		}

		if strings.HasPrefix(trimmed, "!") {
			e, err := parseInternalLine(trimmed)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
			continue
		}

		e, err := parseExternalLine(trimmed)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseInternalLine(line string) (Entry, error) {
	body := strings.TrimPrefix(line, "!")
	idx := strings.IndexByte(body, '=')
	if idx < 0 {
		return Entry{}, fmt.Errorf("config: malformed internal-servant line %q", line)
	}
	identity := body[:idx]
	value := body[idx+1:]

	kind, variant, _ := strings.Cut(identity, "~")

	e := Entry{Identity: identity, Internal: true, InternalKind: kind, Variant: variant}
	switch kind {
	case "MCache":
		e.MCacheAddrs = strings.Fields(value)
	case "Redis":
		if pass, rest, ok := strings.Cut(value, "^"); ok {
			e.RedisPass = pass
			e.RedisAddrs = strings.Fields(rest)
		} else {
			e.RedisAddrs = strings.Fields(value)
		}
	default:
		return Entry{}, fmt.Errorf("config: unknown internal servant kind %q", kind)
	}
	return e, nil
}

func parseExternalLine(line string) (Entry, error) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return Entry{}, fmt.Errorf("config: malformed external-service line %q", line)
	}
	identity := fields[0]
	rest := fields[1]

	optsAndEndpoints := strings.SplitN(rest, "@", 2)
	if len(optsAndEndpoints) != 2 {
		return Entry{}, fmt.Errorf("config: external-service line %q missing endpoint", line)
	}
	e := Entry{Identity: identity, Options: strings.TrimSpace(optsAndEndpoints[0])}

	for _, raw := range strings.Split(optsAndEndpoints[1], "@") {
		ep, err := parseEndpoint(raw)
		if err != nil {
			return Entry{}, err
		}
		e.Endpoints = append(e.Endpoints, ep)
	}
	return e, nil
}

func parseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return Endpoint{}, fmt.Errorf("config: empty endpoint")
	}
	addr := parts[0]
	pieces := strings.Split(addr, "+")
	if len(pieces) != 3 {
		return Endpoint{}, fmt.Errorf("config: malformed endpoint address %q (want proto+host+port)", addr)
	}
	port, err := strconv.Atoi(pieces[2])
	if err != nil {
		return Endpoint{}, fmt.Errorf("config: bad port in endpoint %q: %w", addr, err)
	}
	ep := Endpoint{Proto: pieces[0], Host: pieces[1], Port: port}

	if len(parts) > 1 {
		kv := strings.TrimPrefix(parts[1], "timeout=")
		nums := strings.Split(kv, ",")
		if len(nums) != 3 {
			return Endpoint{}, fmt.Errorf("config: malformed timeout spec %q", parts[1])
		}
		ep.SendTimeoutMsec, err = strconv.Atoi(nums[0])
		if err != nil {
			return Endpoint{}, err
		}
		ep.CloseTimeoutMsec, err = strconv.Atoi(nums[1])
		if err != nil {
			return Endpoint{}, err
		}
		ep.ConnectTimeoutMsec, err = strconv.Atoi(nums[2])
		if err != nil {
			return Endpoint{}, err
		}
	}
	return ep, nil
}
