// Package plugin defines the plugin record and the host matcher.
//
// A plugin is an immutable record: a namespaced name ("owner/repo"), an
// ordered list of host patterns, the set of credential fields it expects,
// and JavaScript source that assigns a global `plugin` object with a
// transform function. Plugin code is stored separately from the registry
// under the key "plugin:<name>".
package plugin

import (
	"fmt"
	"regexp"
)

// Entry is the registry-resident metadata for an installed plugin. The code
// blob lives under its own storage key to keep the registry document small.
type Entry struct {
	Name             string   `json:"name"`
	MatchPatterns    []string `json:"match_patterns"`
	CredentialSchema []string `json:"credential_schema"`
}

// Plugin is a fully loaded plugin: registry metadata plus code.
type Plugin struct {
	Entry
	Code string
}

// namePattern accepts bare names ("exa") and namespace-slash names
// ("mikekelly/exa"). Names become storage key suffixes, so the character
// set is kept tight.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*(/[a-z0-9][a-z0-9._-]*)?$`)

// ValidateName reports whether name is an acceptable plugin name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("plugin: invalid name %q", name)
	}
	return nil
}

// CodeKey returns the storage key for a plugin's code blob.
func CodeKey(name string) string {
	return "plugin:" + name
}

// HasCredentialField reports whether field is part of the plugin's schema.
func (e *Entry) HasCredentialField(field string) bool {
	for _, f := range e.CredentialSchema {
		if f == field {
			return true
		}
	}
	return false
}
