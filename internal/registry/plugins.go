package registry

import (
	"errors"
	"fmt"

	"github.com/mikekelly/gap/internal/plugin"
	"github.com/mikekelly/gap/internal/storage"
)

// InstallPlugin stores the plugin's code blob and adds (or replaces) its
// registry entry. Installing over an existing name replaces both code and
// entry; credentials for fields no longer in the schema are dropped so the
// document stays valid.
func (r *Registry) InstallPlugin(entry plugin.Entry, code string) error {
	if err := plugin.ValidateName(entry.Name); err != nil {
		return err
	}
	if len(entry.MatchPatterns) == 0 {
		return &InvariantError{Reason: fmt.Sprintf("plugin %q has no match patterns", entry.Name)}
	}
	for _, p := range entry.MatchPatterns {
		if err := plugin.ValidatePattern(p); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	codeKey := plugin.CodeKey(entry.Name)
	oldCode, getErr := r.store.Get(codeKey)
	isReplace := getErr == nil

	if err := r.store.Put(codeKey, []byte(code)); err != nil {
		return fmt.Errorf("store plugin code: %w", err)
	}

	next := r.clone()
	replaced := false
	for i := range next.Plugins {
		if next.Plugins[i].Name == entry.Name {
			next.Plugins[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		next.Plugins = append(next.Plugins, entry)
	}
	if fields, ok := next.Credentials[entry.Name]; ok {
		for field := range fields {
			if !entry.HasCredentialField(field) {
				delete(fields, field)
			}
		}
		if len(fields) == 0 {
			delete(next.Credentials, entry.Name)
		}
	}

	if err := r.persist(next); err != nil {
		// Leave existing installs intact, but do not keep an orphaned
		// code blob for a plugin that never made it into the registry.
		if isReplace {
			if putErr := r.store.Put(codeKey, oldCode); putErr != nil {
				r.logger.Warn("failed to restore plugin code after failed install",
					"plugin", entry.Name, "error", putErr)
			}
		} else {
			if delErr := r.store.Delete(codeKey); delErr != nil {
				r.logger.Warn("orphaned plugin code after failed install",
					"plugin", entry.Name, "error", delErr)
			}
		}
		return err
	}

	r.logger.Info("plugin installed", "plugin", entry.Name,
		"patterns", entry.MatchPatterns, "replaced", replaced)
	return nil
}

// UninstallPlugin removes the plugin entry and cascades: its credentials are
// deleted from the document and its code blob from storage.
func (r *Registry) UninstallPlugin(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	found := false
	for i := range next.Plugins {
		if next.Plugins[i].Name == name {
			next.Plugins = append(next.Plugins[:i], next.Plugins[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return ErrPluginNotFound
	}
	delete(next.Credentials, name)

	if err := r.persist(next); err != nil {
		return err
	}
	if err := r.store.Delete(plugin.CodeKey(name)); err != nil {
		// The registry no longer references the blob; an orphan is
		// unreachable but worth logging.
		r.logger.Warn("failed to delete plugin code", "plugin", name, "error", err)
	}

	r.logger.Info("plugin uninstalled", "plugin", name)
	return nil
}

// Plugins returns the installed plugin entries in declared order.
func (r *Registry) Plugins() []plugin.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]plugin.Entry, len(r.doc.Plugins))
	for i, p := range r.doc.Plugins {
		entry := p
		entry.MatchPatterns = append([]string(nil), p.MatchPatterns...)
		entry.CredentialSchema = append([]string(nil), p.CredentialSchema...)
		entries[i] = entry
	}
	return entries
}

// Match returns the first installed plugin whose patterns match host.
func (r *Registry) Match(host string) (plugin.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := plugin.Match(r.doc.Plugins, host)
	if !ok {
		return plugin.Entry{}, false
	}
	entry.MatchPatterns = append([]string(nil), entry.MatchPatterns...)
	entry.CredentialSchema = append([]string(nil), entry.CredentialSchema...)
	return entry, true
}

// PluginCode loads the code blob for an installed plugin. The registry entry
// is checked first so a storage orphan cannot resurrect an uninstalled
// plugin.
func (r *Registry) PluginCode(name string) (string, error) {
	r.mu.RLock()
	installed := false
	for i := range r.doc.Plugins {
		if r.doc.Plugins[i].Name == name {
			installed = true
			break
		}
	}
	r.mu.RUnlock()
	if !installed {
		return "", ErrPluginNotFound
	}

	code, err := r.store.Get(plugin.CodeKey(name))
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("code blob missing for installed plugin %q: %w", name, err)
	}
	if err != nil {
		return "", err
	}
	return string(code), nil
}

// SetCredential stores one credential field for a plugin. The field must be
// declared in the plugin's credential schema.
func (r *Registry) SetCredential(pluginName, field, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *plugin.Entry
	for i := range r.doc.Plugins {
		if r.doc.Plugins[i].Name == pluginName {
			target = &r.doc.Plugins[i]
			break
		}
	}
	if target == nil {
		return ErrPluginNotFound
	}
	if !target.HasCredentialField(field) {
		return &InvariantError{
			Reason: fmt.Sprintf("field %q not in credential schema of plugin %q", field, pluginName),
		}
	}

	next := r.clone()
	fields, ok := next.Credentials[pluginName]
	if !ok {
		fields = make(map[string]string)
		next.Credentials[pluginName] = fields
	}
	fields[field] = value

	if err := r.persist(next); err != nil {
		return err
	}
	// The value is write-only: log the field name, never the value.
	r.logger.Info("credential set", "plugin", pluginName, "field", field)
	return nil
}

// DeleteCredential removes one credential field. Deleting an absent field is
// not an error.
func (r *Registry) DeleteCredential(pluginName, field string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	fields, ok := next.Credentials[pluginName]
	if !ok {
		return nil
	}
	delete(fields, field)
	if len(fields) == 0 {
		delete(next.Credentials, pluginName)
	}

	if err := r.persist(next); err != nil {
		return err
	}
	r.logger.Info("credential deleted", "plugin", pluginName, "field", field)
	return nil
}

// Credentials returns a copy of the credential map for a plugin. An
// installed plugin with no credentials yields an empty, non-nil map.
func (r *Registry) Credentials(pluginName string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string)
	for field, value := range r.doc.Credentials[pluginName] {
		out[field] = value
	}
	return out
}
