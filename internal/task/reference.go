// Package task turns Task resources into process starts and message correlations.
package task

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidProcessURL = errors.New("invalid process url")

// domain needs at least two labels; a key is letters, digits and hyphens
var processURLPattern = regexp.MustCompile(`^https?://((?:[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?\.)+[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)/bpe/Process/([A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)\|(\d+\.\d+)$`)

// ProcessReference identifies a process definition by the url a Task instantiates,
// http://<domain>/bpe/Process/<key>|<version>
type ProcessReference struct {
	Domain  string
	Key     string
	Version string
}

func ParseProcessReference(raw string) (ProcessReference, error) {
	m := processURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return ProcessReference{}, fmt.Errorf("%w: %q", ErrInvalidProcessURL, raw)
	}
	return ProcessReference{Domain: m[1], Key: m[2], Version: m[3]}, nil
}

// DefinitionKey is the engine's process id: the domain without dots, '_', the key
func (p ProcessReference) DefinitionKey() string {
	return strings.ReplaceAll(p.Domain, ".", "") + "_" + p.Key
}

func (p ProcessReference) String() string {
	return "http://" + p.Domain + "/bpe/Process/" + p.Key + "|" + p.Version
}
