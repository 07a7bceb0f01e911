package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

func JsonHash(s interface{}) string {
	bs, _ := json.Marshal(s)
	return Digest(bs)
}

// Digest is a short hex fingerprint of bs, for logs.
func Digest(bs []byte) string {
	hash := sha256.Sum256(bs)
	return hex.EncodeToString(hash[:6])
}
