package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	vaultFile    = "vault.json"
	vaultVersion = 1
	sealLabel    = "walletmesh:vault:seal:v1"
	dataLabel    = "walletmesh:vault:data:v1"
)

var (
	ErrVaultLocked    = errors.New("vault passphrase rejected")
	ErrVaultCorrupted = errors.New("vault file corrupted")
	ErrShortCipher    = errors.New("ciphertext too short")
)

// Vault is the key capability handed to the sync core. Private key bytes
// stay inside the implementation.
type Vault interface {
	PublicKey() ed25519.PublicKey
	Sign(data []byte) ([]byte, error)
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	Signer() stdcrypto.Signer
}

// KeyVault holds an Ed25519 identity key, optionally sealed on disk.
type KeyVault struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	dataKey []byte
}

type diskVault struct {
	Version int    `json:"version"`
	Pub     string `json:"pub"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Sealed  string `json:"sealed"`
}

// NewKeyVault generates an in-memory vault.
func NewKeyVault() (*KeyVault, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newKeyVault(priv), nil
}

func newKeyVault(priv ed25519.PrivateKey) *KeyVault {
	seed := priv.Seed()
	return &KeyVault{
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		dataKey: KDF(dataLabel, seed),
	}
}

// OpenKeyVault loads the vault sealed in dir, creating one when absent.
func OpenKeyVault(dir string, passphrase []byte) (*KeyVault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, vaultFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		v, err := NewKeyVault()
		if err != nil {
			return nil, err
		}
		if err := v.save(path, passphrase); err != nil {
			return nil, err
		}
		return v, nil
	}
	return loadVault(data, passphrase)
}

// VaultExists reports whether dir already holds a sealed vault.
func VaultExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, vaultFile))
	return err == nil
}

func loadVault(data, passphrase []byte) (*KeyVault, error) {
	var disk diskVault
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	if disk.Version != vaultVersion {
		return nil, fmt.Errorf("%w: version %d", ErrVaultCorrupted, disk.Version)
	}
	pub, err1 := hex.DecodeString(disk.Pub)
	salt, err2 := hex.DecodeString(disk.Salt)
	nonce, err3 := hex.DecodeString(disk.Nonce)
	sealed, err4 := hex.DecodeString(disk.Sealed)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	seed, err := XOpen(sealKey(passphrase, salt), nonce, sealed, pub)
	if err != nil {
		return nil, ErrVaultLocked
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrVaultCorrupted
	}
	v := newKeyVault(ed25519.NewKeyFromSeed(seed))
	if !bytes.Equal(v.pub, pub) {
		return nil, fmt.Errorf("%w: public key mismatch", ErrVaultCorrupted)
	}
	return v, nil
}

func (v *KeyVault) save(path string, passphrase []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce, sealed, err := XSeal(sealKey(passphrase, salt), v.priv.Seed(), v.pub)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(diskVault{
		Version: vaultVersion,
		Pub:     hex.EncodeToString(v.pub),
		Salt:    hex.EncodeToString(salt),
		Nonce:   hex.EncodeToString(nonce),
		Sealed:  hex.EncodeToString(sealed),
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sealKey(passphrase, salt []byte) []byte {
	stretched := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, XKeySize)
	return KDF(sealLabel, stretched)
}

func (v *KeyVault) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(v.pub))
	copy(out, v.pub)
	return out
}

func (v *KeyVault) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(v.priv, data), nil
}

// Encrypt seals plaintext with a key derived from the identity seed.
// Output is nonce || ciphertext.
func (v *KeyVault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce, ct, err := XSeal(v.dataKey, plaintext, v.pub)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func (v *KeyVault) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < XNonceSize {
		return nil, ErrShortCipher
	}
	return XOpen(v.dataKey, ciphertext[:XNonceSize], ciphertext[XNonceSize:], v.pub)
}

// Signer exposes the key to crypto/tls and crypto/x509 without exporting it.
func (v *KeyVault) Signer() stdcrypto.Signer {
	return vaultSigner{v: v}
}

func (v *KeyVault) String() string {
	return "KeyVault{REDACTED}"
}

func (v *KeyVault) GoString() string {
	return "crypto.KeyVault{REDACTED}"
}

type vaultSigner struct {
	v *KeyVault
}

func (s vaultSigner) Public() stdcrypto.PublicKey {
	return s.v.PublicKey()
}

func (s vaultSigner) Sign(_ io.Reader, digest []byte, opts stdcrypto.SignerOpts) ([]byte, error) {
	if opts != nil && opts.HashFunc() != 0 {
		return nil, errors.New("ed25519: prehashed messages unsupported")
	}
	return ed25519.Sign(s.v.priv, digest), nil
}
