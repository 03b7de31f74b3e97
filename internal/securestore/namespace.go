package securestore

import "strconv"

const namespaceFilePrefix = "ns."

// Namespace is an encrypted string-keyed value bag persisted as a single
// store file. Every mutation rewrites the whole namespace, which keeps the
// full-replacement guarantee of the underlying store.
type Namespace struct {
	store  *Store
	name   string
	values map[string]string
}

// OpenNamespace loads the named KV namespace, creating an empty one if the
// backing file does not exist yet.
func (store *Store) OpenNamespace(name string) (*Namespace, error) {
	namespace := &Namespace{
		store:  store,
		name:   namespaceFilePrefix + name,
		values: map[string]string{},
	}
	if _, err := store.ReadObject(namespace.name, &namespace.values); err != nil {
		return nil, err
	}
	return namespace, nil
}

// Get returns the value stored under key, or the supplied default.
func (namespace *Namespace) Get(key string, defaultValue string) string {
	if value, exists := namespace.values[key]; exists {
		return value
	}
	return defaultValue
}

// GetInt returns the integer stored under key, or the supplied default when
// the key is missing or not numeric.
func (namespace *Namespace) GetInt(key string, defaultValue int) int {
	rawValue, exists := namespace.values[key]
	if !exists {
		return defaultValue
	}
	parsedValue, err := strconv.Atoi(rawValue)
	if err != nil {
		return defaultValue
	}
	return parsedValue
}

// Set stores and persists a value.
func (namespace *Namespace) Set(key string, value string) error {
	namespace.values[key] = value
	return namespace.persist()
}

// SetInt stores and persists an integer value.
func (namespace *Namespace) SetInt(key string, value int) error {
	return namespace.Set(key, strconv.Itoa(value))
}

// Delete removes a single key and persists the namespace.
func (namespace *Namespace) Delete(key string) error {
	delete(namespace.values, key)
	return namespace.persist()
}

// Clear drops every key and persists the now-empty namespace.
func (namespace *Namespace) Clear() error {
	namespace.values = map[string]string{}
	return namespace.persist()
}

func (namespace *Namespace) persist() error {
	return namespace.store.WriteObject(namespace.name, namespace.values)
}
