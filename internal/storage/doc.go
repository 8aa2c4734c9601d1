// Package storage is the soft-failing key-value layer under persisted stores.
//
// A Backend is a persistent medium: the shared in-process MemoryMedium (one
// view per tab, with change notifications between views), a SQLite database
// for larger transactional capacity, or Noop when no medium exists at all.
//
// An Adapter wraps a Backend and never returns errors: quota exhaustion,
// disabled media and closed databases are logged and degrade to misses and
// skipped writes, so a store is always constructible and its in-memory state
// stays authoritative.
//
// # Encryption
//
// An Adapter may carry a Cipher. Payloads are encrypted before writing and
// decrypted after reading; a payload that fails to decrypt reads as a miss.
// AgeCipher implements Cipher with filippo.io/age in passphrase (scrypt) or
// X25519 mode, base64 armoured for text media.
//
// # Keys
//
// Store keys follow the <namespace>-<store-name> convention; see Key.
package storage
