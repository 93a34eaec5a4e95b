// Package keys implements the public key material model: identity keys,
// signed prekeys and one-time keys, each deciding per populate call whether
// the caller owns the identity and must mint new material or must fetch the
// other party's published material.
package keys

import (
	"context"
	"fmt"

	"github.com/encchat/enchat/config"
	"github.com/encchat/enchat/directory"
	"github.com/encchat/enchat/engine"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// Encode returns the base-58 form used at the directory boundary.
func Encode(raw []byte) string {
	return base58.Encode(raw)
}

// Decode returns the raw bytes of a base-58 encoded key.
func Decode(encoded string) ([]byte, error) {
	return base58.Decode(encoded)
}

// Material is the capability set shared by every key variant. Fetch returns
// "" for expected "not present" conditions rather than an error.
type Material interface {
	ShouldGenerate(ctx context.Context, userID string) (bool, error)
	Generate(ctx context.Context, userID string) (string, error)
	Fetch(ctx context.Context, userID, callerID string) (string, error)

	store(raw []byte)
}

// publicKey holds the populated raw bytes. The payload is immutable once
// populated; store replaces it wholesale.
type publicKey struct {
	raw []byte
}

func (k *publicKey) Bytes() []byte {
	return k.raw
}

func (k *publicKey) Populated() bool {
	return k.raw != nil
}

func (k *publicKey) store(raw []byte) {
	k.raw = raw
}

// Controller owns the generate-or-fetch decision shared by all key
// variants. The decision is re-evaluated fresh on every Populate call.
type Controller struct {
	log    *zap.SugaredLogger
	config *config.Config
	dir    directory.Directory
	eng    engine.Engine
}

func NewController(c *config.Config, dir directory.Directory, eng engine.Engine) *Controller {
	return &Controller{
		log:    c.Logger("keys"),
		config: c,
		dir:    dir,
		eng:    eng,
	}
}

func (c *Controller) IdentityKey() *IdentityKey {
	return &IdentityKey{dir: c.dir, eng: c.eng, log: c.log}
}

func (c *Controller) SignedPrekey() *SignedPrekey {
	return &SignedPrekey{dir: c.dir, eng: c.eng, log: c.log}
}

func (c *Controller) OneTimeKey() *OneTimeKey {
	return &OneTimeKey{dir: c.dir, eng: c.eng, log: c.log, maxKeys: c.config.MaxOneTimeKeys}
}

// Populate fills the key with raw bytes, performing exactly one
// generate-or-fetch. Material is generated only when the target user is the
// authenticated caller and the variant reports missing material; otherwise
// the published key is fetched. A key which cannot be fetched is left
// unpopulated, not an error.
func (c *Controller) Populate(ctx context.Context, k Material, userID string) error {
	callerID, err := c.dir.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("keys: error resolving caller: %w", err)
	}

	var encoded string
	if callerID == userID {
		gen, err := k.ShouldGenerate(ctx, userID)
		if err != nil {
			return fmt.Errorf("keys: error checking key presence: %w", err)
		}
		if gen {
			encoded, err = k.Generate(ctx, userID)
		} else {
			encoded, err = k.Fetch(ctx, userID, callerID)
		}
		if err != nil {
			return err
		}
	} else {
		if encoded, err = k.Fetch(ctx, userID, callerID); err != nil {
			return err
		}
	}

	if encoded == "" {
		k.store(nil)
		return nil
	}
	raw, err := Decode(encoded)
	if err != nil {
		return fmt.Errorf("keys: error decoding key for %s: %w", userID, err)
	}
	k.store(raw)
	return nil
}

// IdentityKey is the long-term public key identifying a user.
type IdentityKey struct {
	publicKey
	dir directory.Directory
	eng engine.Engine
	log *zap.SugaredLogger
}

func (k *IdentityKey) ShouldGenerate(ctx context.Context, userID string) (bool, error) {
	has, err := k.dir.HasIdentityKey(ctx, userID)
	if err != nil {
		return false, err
	}
	return !has, nil
}

func (k *IdentityKey) Generate(ctx context.Context, userID string) (string, error) {
	k.log.Debugf("generating new identity key")
	raw, err := k.eng.GenerateIdentityKey(ctx)
	if err != nil {
		return "", fmt.Errorf("keys: error generating identity key: %w", err)
	}
	encoded := Encode(raw)
	if err := k.dir.PutIdentityKey(ctx, userID, encoded); err != nil {
		return "", fmt.Errorf("keys: error publishing identity key: %w", err)
	}
	k.log.Debugf("done generating identity key")
	return encoded, nil
}

func (k *IdentityKey) Fetch(ctx context.Context, userID, callerID string) (string, error) {
	k.log.Debugf("getting identity key for %s", userID)
	key, err := k.dir.IdentityKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("keys: error fetching identity key: %w", err)
	}
	return key, nil
}

// SignedPrekey is the medium-lived key signed by the identity key.
type SignedPrekey struct {
	publicKey
	dir directory.Directory
	eng engine.Engine
	log *zap.SugaredLogger
}

func (k *SignedPrekey) ShouldGenerate(ctx context.Context, userID string) (bool, error) {
	// TODO: add rotation
	has, err := k.dir.HasPrekey(ctx, userID)
	if err != nil {
		return false, err
	}
	return !has, nil
}

func (k *SignedPrekey) Generate(ctx context.Context, userID string) (string, error) {
	k.log.Debugf("generating new prekey")
	raw, signature, err := k.eng.GeneratePrekey(ctx)
	if err != nil {
		return "", fmt.Errorf("keys: error generating prekey: %w", err)
	}
	encoded := Encode(raw)
	if err := k.dir.PutPrekey(ctx, userID, encoded, Encode(signature)); err != nil {
		return "", fmt.Errorf("keys: error publishing prekey: %w", err)
	}
	k.log.Debugf("done generating prekey")
	return encoded, nil
}

func (k *SignedPrekey) Fetch(ctx context.Context, userID, callerID string) (string, error) {
	k.log.Debugf("getting prekey for %s", userID)
	key, err := k.dir.Prekey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("keys: error fetching prekey: %w", err)
	}
	return key, nil
}

// OneTimeKey is a single-use key consumed by exactly one session
// establishment. On the generating side it mints a whole deficit batch; on
// the fetching side it claims exactly one key.
type OneTimeKey struct {
	publicKey
	dir     directory.Directory
	eng     engine.Engine
	log     *zap.SugaredLogger
	maxKeys int

	toGenerate int
	localID    uint32
	batch      []uint32
}

// LocalID is the owner-local sequence id of the claimed key, or of the first
// key of a freshly generated batch.
func (k *OneTimeKey) LocalID() uint32 {
	return k.localID
}

// BatchIDs lists the local ids minted by the last Generate call. Only ever
// set on the generating side.
func (k *OneTimeKey) BatchIDs() []uint32 {
	return slices.Clone(k.batch)
}

func (k *OneTimeKey) ShouldGenerate(ctx context.Context, userID string) (bool, error) {
	remaining, err := k.dir.CountUnusedOneTimeKeys(ctx, userID)
	if err != nil {
		return false, err
	}
	k.toGenerate = k.maxKeys - remaining
	return k.toGenerate > 0, nil
}

func (k *OneTimeKey) Generate(ctx context.Context, userID string) (string, error) {
	k.log.Debugf("generating %d onetime keys", k.toGenerate)
	lastID, err := k.dir.LastOneTimeKeyID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("keys: error reading last onetime key id: %w", err)
	}
	minted, err := k.eng.GenerateOneTimeKeys(ctx, k.toGenerate, lastID)
	if err != nil {
		return "", fmt.Errorf("keys: error generating onetime keys: %w", err)
	}
	if len(minted) == 0 {
		return "", fmt.Errorf("keys: engine minted an empty onetime key batch")
	}

	// each upload is independent of the others
	g, gctx := errgroup.WithContext(ctx)
	for _, mk := range minted {
		mk := mk
		g.Go(func() error {
			return k.dir.PutOneTimeKey(gctx, userID, mk.LocalID, Encode(mk.Key))
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("keys: error publishing onetime keys: %w", err)
	}

	k.batch = make([]uint32, len(minted))
	for i, mk := range minted {
		k.batch[i] = mk.LocalID
	}
	k.localID = minted[0].LocalID
	k.log.Debugf("done generating onetime keys")
	return Encode(minted[0].Key), nil
}

func (k *OneTimeKey) Fetch(ctx context.Context, userID, callerID string) (string, error) {
	// a user must never consume one of their own onetime keys
	if callerID == userID {
		return "", nil
	}
	k.log.Debugf("claiming onetime key for user %s", userID)
	claimed, err := k.dir.ClaimOneTimeKey(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("keys: error claiming onetime key: %w", err)
	}
	if claimed == nil {
		return "", nil
	}
	k.localID = claimed.LocalID
	return claimed.Key, nil
}
