package collector

import (
	"regexp"
	"strings"

	"transport-timemachine/internal/transport"
)

var (
	subwayLine   = regexp.MustCompile(`^U[1-9]$`)
	suburbanLine = regexp.MustCompile(`^S[1-9]$|^S[2-8][0-9]$`)
	metroTram    = regexp.MustCompile(`^M[1-9][0-9]?$`)
	expressBus   = regexp.MustCompile(`^X[1-9][0-9]?$`)
	nightBus     = regexp.MustCompile(`^N[1-9][0-9]?$`)
	regionalLine = regexp.MustCompile(`^R[EB][1-9][0-9]?$`)
	numberedBus  = regexp.MustCompile(`^[1-9][0-9][0-9]+$`)
)

var tramNumbers = map[string]struct{}{
	"12": {}, "16": {}, "18": {}, "21": {}, "27": {}, "37": {},
	"50": {}, "60": {}, "61": {}, "62": {}, "63": {}, "67": {}, "68": {},
}

var productTypes = map[string]transport.Type{
	"suburban": transport.Suburban,
	"subway":   transport.Subway,
	"tram":     transport.Tram,
	"bus":      transport.Bus,
	"ferry":    transport.Ferry,
	"express":  transport.Regional,
	"regional": transport.Regional,
}

// ClassifyLine maps an upstream line to a transport type. Berlin line naming
// conventions take priority over the upstream product field because the
// product does not distinguish the Ringbahn from other S-Bahn lines.
func ClassifyLine(name, mode, product string) transport.Type {
	n := strings.ToUpper(strings.TrimSpace(name))

	switch {
	case subwayLine.MatchString(n):
		return transport.Subway
	case n == "S41" || n == "S42":
		return transport.Ring
	case suburbanLine.MatchString(n):
		return transport.Suburban
	case metroTram.MatchString(n):
		return transport.Tram
	case expressBus.MatchString(n), nightBus.MatchString(n):
		return transport.Bus
	case regionalLine.MatchString(n):
		return transport.Regional
	case numberedBus.MatchString(n):
		return transport.Bus
	}
	if _, ok := tramNumbers[n]; ok {
		return transport.Tram
	}

	if t, ok := productTypes[strings.ToLower(mode)]; ok {
		return t
	}
	if t, ok := productTypes[strings.ToLower(product)]; ok {
		return t
	}

	if strings.Contains(n, "TRAM") || strings.Contains(n, "STR") {
		return transport.Tram
	}
	if strings.Contains(n, "BAHN") || strings.Contains(n, "TRAIN") {
		return transport.Suburban
	}
	return transport.Bus
}
