// Package credstore persists credential records across process
// restarts.
//
// Three backends exist, probed in order of preference: the platform
// keyring, an encrypted file per subject, and process memory. The
// file backend seals records with AES-256-GCM under a key derived from
// a host-scoped secret, and supports watching for records written by
// another process.
package credstore
