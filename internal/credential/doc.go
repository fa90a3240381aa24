// Package credential resolves the mail account password from the OS
// keyring when it is not stored in the configuration file.
package credential
