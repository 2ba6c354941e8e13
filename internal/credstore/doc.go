// Package credstore persists the QuickBooks credential document across
// process restarts.
//
// Two backends are supported:
//   - File: local JSON file with atomic writes and 0600 permissions
//   - Keyring: OS-native credential storage holding the same JSON document
//
// The file is written once by the interactive bootstrap flow and re-written
// by the token manager's rotation callback after every refresh.
package credstore
