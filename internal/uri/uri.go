// Package uri implements a generic URI parser for the device and peer
// address scheme used throughout this module: scheme://host:port/path?k=v#frag,
// with percent-decoding on read and percent-encoding on render. It also
// supports the opaque form scheme:opaque?query used by pkcs11: URLs, which
// carry no authority component.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URI is a parsed device/peer address. Scheme is always present; the
// remaining fields are zero-valued when absent from the input.
type URI struct {
	Scheme   string
	Opaque   string // set instead of Host/Port/Path for scheme:opaque?query forms
	Host     string
	Port     int // 0 means "OS chooses", per SPEC_FULL.md §6
	Path     string
	Query    map[string]string
	Fragment string
}

// Parse decodes raw into a URI. Percent-encoded octets in the host, path,
// opaque part, query values, and fragment are decoded.
func Parse(raw string) (URI, error) {
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return URI{}, fmt.Errorf("uri: missing scheme in %q", raw)
	}
	scheme := raw[:idx]
	rest := raw[idx+1:]

	frag := ""
	if fi := strings.Index(rest, "#"); fi >= 0 {
		frag = rest[fi+1:]
		rest = rest[:fi]
	}

	query := ""
	if qi := strings.Index(rest, "?"); qi >= 0 {
		query = rest[qi+1:]
		rest = rest[:qi]
	}

	decodedFrag, err := Decode(frag)
	if err != nil {
		return URI{}, fmt.Errorf("uri: fragment: %w", err)
	}

	params, err := parseQuery(query)
	if err != nil {
		return URI{}, err
	}

	if strings.HasPrefix(rest, "//") {
		authorityAndPath := rest[2:]
		authority := authorityAndPath
		path := ""
		if si := strings.Index(authorityAndPath, "/"); si >= 0 {
			authority = authorityAndPath[:si]
			path = authorityAndPath[si:]
		}

		host := authority
		port := 0
		if ci := strings.LastIndex(authority, ":"); ci >= 0 {
			host = authority[:ci]
			p, err := strconv.Atoi(authority[ci+1:])
			if err != nil {
				return URI{}, fmt.Errorf("uri: bad port in %q: %w", raw, err)
			}
			port = p
		}

		decodedHost, err := Decode(host)
		if err != nil {
			return URI{}, fmt.Errorf("uri: host: %w", err)
		}
		decodedPath, err := Decode(path)
		if err != nil {
			return URI{}, fmt.Errorf("uri: path: %w", err)
		}

		return URI{
			Scheme:   scheme,
			Host:     decodedHost,
			Port:     port,
			Path:     decodedPath,
			Query:    params,
			Fragment: decodedFrag,
		}, nil
	}

	opaque, err := Decode(rest)
	if err != nil {
		return URI{}, fmt.Errorf("uri: opaque: %w", err)
	}
	return URI{
		Scheme:   scheme,
		Opaque:   opaque,
		Query:    params,
		Fragment: decodedFrag,
	}, nil
}

func parseQuery(query string) (map[string]string, error) {
	params := map[string]string{}
	if query == "" {
		return params, nil
	}
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		dk, err := Decode(k)
		if err != nil {
			return nil, fmt.Errorf("uri: query key: %w", err)
		}
		dv, err := Decode(v)
		if err != nil {
			return nil, fmt.Errorf("uri: query value: %w", err)
		}
		params[dk] = dv
	}
	return params, nil
}

// Decode percent-decodes s, treating '+' literally (unlike form encoding).
func Decode(s string) (string, error) {
	return url.PathUnescape(s)
}

// Encode percent-encodes s for use in a URI path/opaque segment.
func Encode(s string) string {
	return url.PathEscape(s)
}
