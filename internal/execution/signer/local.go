package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "BOUNDLESS_PRIVATE_KEY"
	EnvPrivateKeyFile       = "BOUNDLESS_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "BOUNDLESS_KEYSTORE_PATH"
	EnvKeystorePassword     = "BOUNDLESS_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "BOUNDLESS_KEYSTORE_PASSWORD_FILE"

	defaultKeyFile = "boundless/key.hex"
	defaultKeyHint = "~/.config/boundless/key.hex"
)

// Source selects where the key is read from.
type Source string

const (
	SourceAuto     Source = "auto"
	SourceEnv      Source = "env"
	SourceFile     Source = "file"
	SourceKeystore Source = "keystore"
)

func ParseSource(v string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(v))); src {
	case "":
		return SourceAuto, nil
	case SourceAuto, SourceEnv, SourceFile, SourceKeystore:
		return src, nil
	default:
		return "", fmt.Errorf("unsupported key source %q (expected auto|env|file|keystore)", v)
	}
}

// Inputs are the key locations known to the CLI. The first non-empty of
// PrivateKeyHex, PrivateKeyFile and KeystorePath is used.
type Inputs struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// InputsFromEnv reads the BOUNDLESS_* variables. Without an explicit key file
// the default one under the config directory is used when it exists.
func InputsFromEnv() Inputs {
	in := Inputs{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if in.PrivateKeyFile == "" {
		in.PrivateKeyFile = existingDefaultKeyFile()
	}
	return in
}

// Narrow drops the inputs src may not use.
func (in Inputs) Narrow(src Source) Inputs {
	switch src {
	case SourceEnv:
		return Inputs{PrivateKeyHex: in.PrivateKeyHex}
	case SourceFile:
		return Inputs{PrivateKeyFile: in.PrivateKeyFile}
	case SourceKeystore:
		in.PrivateKeyHex, in.PrivateKeyFile = "", ""
	}
	return in
}

// LocalSigner signs with an in-memory secp256k1 key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSignerFromInputs loads the key named by source from the
// environment. A non-empty override is used as the hex key regardless of
// source.
func NewLocalSignerFromInputs(source, override string) (*LocalSigner, error) {
	src, err := ParseSource(source)
	if err != nil {
		return nil, err
	}
	in := InputsFromEnv().Narrow(src)
	if override = strings.TrimSpace(override); override != "" {
		in = Inputs{PrivateKeyHex: override}
	}
	return NewLocalSigner(in)
}

func NewLocalSigner(in Inputs) (*LocalSigner, error) {
	key, err := in.load()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("signer has no key loaded")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func (in Inputs) load() (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(in.PrivateKeyHex) != "":
		return parseHexKey(in.PrivateKeyHex)
	case strings.TrimSpace(in.PrivateKeyFile) != "":
		buf, err := os.ReadFile(in.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	case strings.TrimSpace(in.KeystorePath) != "":
		return in.decryptKeystore()
	}
	return nil, fmt.Errorf("no signing key: pass --private-key, set %s, or write a hex key to %s", EnvPrivateKey, defaultKeyHint)
}

func (in Inputs) decryptKeystore() (*ecdsa.PrivateKey, error) {
	password := in.KeystorePassword
	if strings.TrimSpace(password) == "" && strings.TrimSpace(in.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(in.KeystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("keystore password is required (%s or %s)", EnvKeystorePassword, EnvKeystorePasswordFile)
	}
	buf, err := os.ReadFile(in.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func defaultKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultKeyFile)
}

func existingDefaultKeyFile() string {
	path := defaultKeyPath()
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
