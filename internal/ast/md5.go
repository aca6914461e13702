package ast

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// StableJSON renders a Module as canonical JSON. Every field in this
// package is a struct or slice (never a map), so encoding/json's
// deterministic field and slice ordering already gives a stable byte
// stream across processes — there is nothing further to canonicalize.
func StableJSON(m *Module) ([]byte, error) {
	return json.Marshal(m)
}

// MD5Hex returns the hex-encoded MD5 of a Module's stable JSON encoding,
// used as the ModuleVersion.astMd5 in spec.md §3 and as the short-circuit
// comparison in the save-module pipeline's step 5/9.
func MD5Hex(m *Module) (string, error) {
	b, err := StableJSON(m)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// MD5HexOfBytes is a small helper for hashing an already-serialized JSON
// Schema document (used for the SchemaRecord.md5 field in spec.md §3).
func MD5HexOfBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
