package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"sync"
)

// KeyReaderWriter reads and writes ecdsa keys from/to any format or support.
type KeyReaderWriter interface {
	ReadKey() (*ecdsa.PrivateKey, error)
	WriteKey(*ecdsa.PrivateKey) error
}

// SimpleKeyfile implements KeyReaderWriter with an unencrypted file containing
// the hex representation of the raw private key.
type SimpleKeyfile struct {
	l       sync.Mutex
	keyfile string
}

// NewSimpleKeyfile instantiates a new SimpleKeyfile with an underlying file.
func NewSimpleKeyfile(keyfile string) *SimpleKeyfile {
	return &SimpleKeyfile{
		keyfile: keyfile,
	}
}

// ReadKey parses the private key from the underlying file.
func (k *SimpleKeyfile) ReadKey() (*ecdsa.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if err := k.checkFileInfo(); err != nil {
		return nil, err
	}

	buf, err := ioutil.ReadFile(k.keyfile)
	if err != nil {
		return nil, err
	}

	return parsePrivateKeyHex(strings.TrimSpace(string(buf)))
}

// WriteKey dumps the private key to the underlying file, with user-only
// permissions.
func (k *SimpleKeyfile) WriteKey(key *ecdsa.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	return ioutil.WriteFile(k.keyfile, []byte(PrivateKeyHex(key)), 0600)
}

// checkFileInfo verifies that the file exists and has user permissions only.
func (k *SimpleKeyfile) checkFileInfo() error {
	info, err := os.Stat(k.keyfile)
	if err != nil {
		return err
	}

	perm := info.Mode().Perm()

	// build 000111111 mask for 'groups' and 'others'
	var nonUserMask os.FileMode = (1 << 6) - 1

	if nonUserPerm := perm & nonUserMask; nonUserPerm != 0 {
		return fmt.Errorf("%s has insecure permissions %#o", k.keyfile, perm)
	}

	return nil
}

func parsePrivateKeyHex(h string) (*ecdsa.PrivateKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(raw)
}
