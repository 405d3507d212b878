// Package secure keeps database passwords out of ordinary heap memory.
//
// A pool needs the password of its credentials for as long as it may open new
// physical connections, which is its whole lifetime. Rather than holding the
// plaintext in a string, the pool seals it in a memguard enclave and only opens
// it for the duration of a single connect:
//
//	sealed := secure.SealString(creds.Password)
//	defer sealed.Destroy()
//
//	err := sealed.Use(func(pw []byte) error {
//	    return dial(user, string(pw))
//	})
//
// The enclave is encrypted at rest (XSalsa20Poly1305) and the plaintext lives in
// a locked, guard-paged buffer that is wiped as soon as Use returns. If mlock is
// unavailable the library degrades to ordinary memory.
//
// It does NOT protect against attackers with access to the running process, and
// the string handed to a database driver is outside its control.
package secure
