package badger

import "strings"

const (
	recordPrefix = "rec"
	schemaPrefix = "__schema"
)

// Collection names never contain ':' so prefixes of distinct collections
// never overlap.

// makeCollectionPrefix returns the prefix shared by every record key of a collection.
// Format: rec:collection:
func makeCollectionPrefix(collection string) []byte {
	return []byte(recordPrefix + ":" + collection + ":")
}

// makeRecordKey generates the key of one record.
// Format: rec:collection:key
func makeRecordKey(collection, key string) []byte {
	return append(makeCollectionPrefix(collection), key...)
}

// recordKeyFromStorageKey strips the collection prefix from a stored key.
func recordKeyFromStorageKey(collection string, storageKey []byte) string {
	return strings.TrimPrefix(string(storageKey), recordPrefix+":"+collection+":")
}

// makeSchemaKey generates the key holding a collection's schema state.
// Format: __schema:collection
func makeSchemaKey(collection string) []byte {
	return []byte(schemaPrefix + ":" + collection)
}

// makeSchemaPrefix returns the prefix of every schema state key.
func makeSchemaPrefix() []byte {
	return []byte(schemaPrefix + ":")
}
