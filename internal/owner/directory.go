// Package owner resolves credentials to license owners. Accounts are managed
// elsewhere; this package only knows the owners listed in its YAML file.
package owner

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// ErrUnknown is returned when a credential matches no owner.
var ErrUnknown = xerrors.New("unknown owner")

type Owner struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
	// TokenSHA256 is the hex SHA-256 digest of the owner's API token.
	TokenSHA256    string `yaml:"token_sha256"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// Directory looks owners up by the credentials each surface presents.
type Directory interface {
	ByToken(ctx context.Context, token string) (Owner, error)
	ByTelegramChat(ctx context.Context, chatID int64) (Owner, error)
}

type file struct {
	Owners []Owner `yaml:"owners"`
}

// StaticDirectory is an immutable, in-memory Directory.
type StaticDirectory struct {
	owners []Owner
}

// LoadFile reads the owners file at path. An empty path yields an empty
// directory, which rejects every credential.
func LoadFile(path string) (*StaticDirectory, error) {
	if path == "" {
		return NewStaticDirectory(nil)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("read owners file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, xerrors.Errorf("parse owners file %s: %w", path, err)
	}
	return NewStaticDirectory(f.Owners)
}

func NewStaticDirectory(owners []Owner) (*StaticDirectory, error) {
	ids := make(map[int64]struct{}, len(owners))
	chats := make(map[int64]struct{}, len(owners))
	out := make([]Owner, 0, len(owners))
	for _, o := range owners {
		if o.ID <= 0 {
			return nil, xerrors.Errorf("owner %q: id must be positive", o.Name)
		}
		if _, dup := ids[o.ID]; dup {
			return nil, xerrors.Errorf("owner id %d listed twice", o.ID)
		}
		ids[o.ID] = struct{}{}
		if o.TelegramChatID != 0 {
			if _, dup := chats[o.TelegramChatID]; dup {
				return nil, xerrors.Errorf("telegram chat %d listed twice", o.TelegramChatID)
			}
			chats[o.TelegramChatID] = struct{}{}
		}
		o.TokenSHA256 = strings.ToLower(strings.TrimSpace(o.TokenSHA256))
		if o.TokenSHA256 != "" {
			if b, err := hex.DecodeString(o.TokenSHA256); err != nil || len(b) != sha256.Size {
				return nil, xerrors.Errorf("owner %d: token_sha256 is not a hex sha256 digest", o.ID)
			}
		}
		out = append(out, o)
	}
	return &StaticDirectory{owners: out}, nil
}

// HashToken returns the digest stored in the owners file for token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (d *StaticDirectory) ByToken(_ context.Context, token string) (Owner, error) {
	if token == "" {
		return Owner{}, ErrUnknown
	}
	digest := []byte(HashToken(token))
	for _, o := range d.owners {
		if o.TokenSHA256 == "" {
			continue
		}
		if subtle.ConstantTimeCompare(digest, []byte(o.TokenSHA256)) == 1 {
			return o, nil
		}
	}
	return Owner{}, ErrUnknown
}

func (d *StaticDirectory) ByTelegramChat(_ context.Context, chatID int64) (Owner, error) {
	if chatID == 0 {
		return Owner{}, ErrUnknown
	}
	for _, o := range d.owners {
		if o.TelegramChatID == chatID {
			return o, nil
		}
	}
	return Owner{}, ErrUnknown
}

// Len reports how many owners are configured.
func (d *StaticDirectory) Len() int { return len(d.owners) }
