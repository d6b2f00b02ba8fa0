package models

// SyncBundle is the plaintext payload for one sync unit, built fresh for
// every sync pass and never persisted. For indexed units Files holds one
// JSON document per live entry, keyed by the entry's filename. Settings
// units carry a single file and no index; their conflict resolution is
// whole-file LWW on the embedded _updatedAt.
type SyncBundle struct {
	Type  string            `json:"type"`
	Key   SyncUnit          `json:"key"`
	Index *EntryIndex       `json:"index,omitempty"`
	Files map[string]string `json:"files"`
}

// EnvelopeVersion is the current wire format version; it participates in
// the AES-GCM additional authenticated data, so ciphertexts cannot be
// replayed across versions or sync units.
const EnvelopeVersion = 1

// SyncEnvelope is the encrypted wire/disk form of a bundle. Salt, IV and
// Ciphertext are base64 (standard encoding); Ciphertext is the AES-GCM
// output with the 16-byte tag appended.
type SyncEnvelope struct {
	Version    int    `json:"version"`
	SyncUnit   string `json:"syncUnit"`
	UpdatedAt  string `json:"updatedAt"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// SettingsUpdatedAtField is the timestamp key embedded in single-file
// settings documents.
const SettingsUpdatedAtField = "_updatedAt"
