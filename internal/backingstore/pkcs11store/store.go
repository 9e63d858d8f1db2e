// Package pkcs11store is the PKCS#11 HSM backing-store backend: keys are
// SECRET_KEY/GENERIC_SECRET objects on a hardware token, addressed by
// CKA_LABEL = destination, CKA_ID = big-endian bytes of the key id, and
// CKA_VALUE = the key bytes. CKA_START_DATE is reused as a reservation
// sentinel: the zero value means available, any non-zero value means
// reserved. This mirrors the session/object management of the reference
// toolkit's PKCS11Wrapper + HSMStore, ported from its C++ object-template
// idiom to miekg/pkcs11's Go binding.
package pkcs11store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/pkcs11"
	"github.com/pquerna/otp/totp"

	"github.com/cqp-go/siteagent/internal/backingstore"
	"github.com/cqp-go/siteagent/internal/domain"
	"github.com/cqp-go/siteagent/internal/security"
	"github.com/cqp-go/siteagent/internal/uri"
	kyderrors "github.com/cqp-go/siteagent/pkg/errors"
)

func init() {
	backingstore.Register("pkcs11", func(ctx context.Context, rawURL string) (backingstore.Store, error) {
		return Open(rawURL)
	})
}

// Store is the PKCS#11-backed implementation of backingstore.Store.
// bytesPerKeyID defaults to 8; the YubiHSM variant overrides it to 2.
type Store struct {
	ctx           *pkcs11.Ctx
	session       pkcs11.SessionHandle
	slot          uint
	pin           string
	login         string
	totpSecret    string
	bytesPerKeyID int

	mu          sync.Mutex
	loggedIn    bool
}

// Open loads the module named in url and selects its token, but defers
// login until the first operation (InitSession), matching the reference
// store's lazy-session-login behavior.
func Open(rawURL string) (*Store, error) {
	u, err := uri.ParsePKCS11(rawURL)
	if err != nil {
		return nil, kyderrors.Wrap(err, "pkcs11store: parse url")
	}

	ctx := pkcs11.New(u.ModuleName)
	if ctx == nil {
		return nil, fmt.Errorf("pkcs11store: could not load module %q", u.ModuleName)
	}
	if err := ctx.Initialize(); err != nil {
		return nil, kyderrors.Wrap(err, "pkcs11store: initialize")
	}

	slot, err := selectSlot(ctx, u)
	if err != nil {
		ctx.Destroy()
		return nil, err
	}

	pin := u.PinValue
	if pin == "" && u.PinSource != "" {
		b, err := os.ReadFile(u.PinSource)
		if err != nil {
			ctx.Destroy()
			return nil, kyderrors.Wrap(err, "pkcs11store: read pin source")
		}
		pin = strings.TrimSpace(string(b))
		if u.PinEncrypted {
			crypto, err := security.NewCryptoService()
			if err != nil {
				ctx.Destroy()
				return nil, kyderrors.Wrap(err, "pkcs11store: init pin decryption")
			}
			pin, err = crypto.Decrypt(pin)
			if err != nil {
				ctx.Destroy()
				return nil, kyderrors.Wrap(err, "pkcs11store: decrypt pin source")
			}
		}
	}

	return &Store{
		ctx:           ctx,
		slot:          slot,
		pin:           pin,
		login:         u.Login,
		bytesPerKeyID: 8,
	}, nil
}

func selectSlot(ctx *pkcs11.Ctx, u uri.PKCS11URL) (uint, error) {
	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, kyderrors.Wrap(err, "pkcs11store: get slot list")
	}
	if u.SlotID != nil {
		return uint(*u.SlotID), nil
	}
	for _, s := range slots {
		info, err := ctx.GetTokenInfo(s)
		if err != nil {
			continue
		}
		if u.Serial != "" && strings.TrimSpace(info.SerialNumber) == u.Serial {
			return s, nil
		}
		if u.Token != "" && strings.TrimSpace(info.Label) == u.Token {
			return s, nil
		}
	}
	if len(slots) > 0 {
		return slots[0], nil
	}
	return 0, fmt.Errorf("pkcs11store: no matching slot found for token=%q serial=%q", u.Token, u.Serial)
}

// SetBytesPerKeyID narrows the CKA_ID width used for new/looked-up
// objects. The YubiHSM2 variant calls this with 2 (16-bit id space); the
// default is 8.
func (s *Store) SetBytesPerKeyID(n int) {
	s.bytesPerKeyID = n
}

// ListKeyIDs returns up to limit key ids on the token for dest, in the
// order PKCS#11 returns them from FindObjects (device/library defined, not
// necessarily sorted). Used by the YubiHSM2 variant, which has nothing on
// the device itself it can use to mark a reservation.
func (s *Store) ListKeyIDs(ctx context.Context, dest domain.SiteId, limit int) ([]domain.KeyId, error) {
	if err := s.InitSession(""); err != nil {
		return nil, err
	}
	objs, err := s.findObjects(dest, 0, false)
	if err != nil {
		return nil, err
	}
	if len(objs) > limit {
		objs = objs[:limit]
	}
	ids := make([]domain.KeyId, 0, len(objs))
	for _, h := range objs {
		id, _, _, err := s.readObject(h)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WithTOTPSecret enables step-up TOTP verification for "so" logins. The
// caller provides the base32 shared secret and a one-time code; Open itself
// never verifies a code, only InitSession does (so login is deferred).
func (s *Store) WithTOTPSecret(secret string) *Store {
	s.totpSecret = secret
	return s
}

// InitSession opens a read/write session on the selected slot and logs in,
// performing a TOTP step-up check when login == "so" and a secret has been
// configured via WithTOTPSecret.
func (s *Store) InitSession(totpCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		return nil
	}

	session, err := s.ctx.OpenSession(s.slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return kyderrors.Wrap(err, "pkcs11store: open session")
	}
	s.session = session

	userType := uint(pkcs11.CKU_USER)
	switch s.login {
	case "so":
		userType = pkcs11.CKU_SO
		if s.totpSecret != "" {
			ok, err := totp.ValidateCustom(totpCode, s.totpSecret, timeNow(), totp.ValidateOpts{
				Period: 30, Skew: 1, Digits: 6,
			})
			if err != nil || !ok {
				return kyderrors.Wrap(kyderrors.ErrInvalidCredentials, "pkcs11store: so login requires a valid TOTP code")
			}
		}
	case "cs":
		userType = pkcs11.CKU_CONTEXT_SPECIFIC
	}

	if err := s.ctx.Login(session, userType, s.pin); err != nil {
		return kyderrors.Wrap(err, "pkcs11store: login")
	}
	s.loggedIn = true
	return nil
}

func timeNow() time.Time { return time.Now() }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		_ = s.ctx.Logout(s.session)
		_ = s.ctx.CloseSession(s.session)
	}
	s.ctx.Finalize()
	s.ctx.Destroy()
	return nil
}

func (s *Store) idBytes(id domain.KeyId) []byte {
	b := make([]byte, s.bytesPerKeyID)
	switch s.bytesPerKeyID {
	case 2:
		binary.BigEndian.PutUint16(b, uint16(id))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(id))
	default:
		binary.BigEndian.PutUint64(b, uint64(id))
	}
	return b
}

func idFromBytes(b []byte) domain.KeyId {
	switch len(b) {
	case 2:
		return domain.KeyId(binary.BigEndian.Uint16(b))
	case 4:
		return domain.KeyId(binary.BigEndian.Uint32(b))
	default:
		var padded [8]byte
		copy(padded[8-len(b):], b)
		return domain.KeyId(binary.BigEndian.Uint64(padded[:]))
	}
}

// startDate renders a reservation sentinel: a zero value means available,
// any non-zero value (we use "now") means reserved.
func startDateBytes(reserved bool) []byte {
	if !reserved {
		return []byte("00000000")
	}
	return []byte(time.Now().UTC().Format("20060102"))
}

func isReserved(b []byte) bool {
	return len(b) > 0 && string(b) != "00000000"
}

func (s *Store) findObjects(dest domain.SiteId, id domain.KeyId, matchID bool) ([]pkcs11.ObjectHandle, error) {
	tmpl := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, string(dest)),
	}
	if matchID {
		tmpl = append(tmpl, pkcs11.NewAttribute(pkcs11.CKA_ID, s.idBytes(id)))
	}
	if err := s.ctx.FindObjectsInit(s.session, tmpl); err != nil {
		return nil, kyderrors.Wrap(err, "pkcs11store: find init")
	}
	defer s.ctx.FindObjectsFinal(s.session)

	var all []pkcs11.ObjectHandle
	for {
		objs, _, err := s.ctx.FindObjects(s.session, 64)
		if err != nil {
			return nil, kyderrors.Wrap(err, "pkcs11store: find objects")
		}
		if len(objs) == 0 {
			break
		}
		all = append(all, objs...)
	}
	return all, nil
}

func (s *Store) readObject(h pkcs11.ObjectHandle) (domain.KeyId, []byte, []byte, error) {
	attrs, err := s.ctx.GetAttributeValue(s.session, h, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_START_DATE, nil),
	})
	if err != nil {
		return 0, nil, nil, kyderrors.Wrap(err, "pkcs11store: get attributes")
	}
	return idFromBytes(attrs[0].Value), attrs[1].Value, attrs[2].Value, nil
}

func (s *Store) StoreKeys(ctx context.Context, dest domain.SiteId, keys []domain.Key) ([]domain.Key, error) {
	if err := s.InitSession(""); err != nil {
		return keys, err
	}
	var remaining []domain.Key
	for _, k := range keys {
		tmpl := []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
			pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_GENERIC_SECRET),
			pkcs11.NewAttribute(pkcs11.CKA_LABEL, string(dest)),
			pkcs11.NewAttribute(pkcs11.CKA_ID, s.idBytes(k.Id)),
			pkcs11.NewAttribute(pkcs11.CKA_VALUE, []byte(k.Value)),
			pkcs11.NewAttribute(pkcs11.CKA_START_DATE, startDateBytes(false)),
			pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
			pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		}
		if _, err := s.ctx.CreateObject(s.session, tmpl); err != nil {
			remaining = append(remaining, k)
		}
	}
	return remaining, nil
}

func (s *Store) GetKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	if err := s.InitSession(""); err != nil {
		return nil, err
	}
	objs, err := s.findObjects(dest, id, true)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, kyderrors.ErrKeyNotFound
	}
	_, value, _, err := s.readObject(objs[0])
	if err != nil {
		return nil, err
	}
	return domain.PSK(value), nil
}

func (s *Store) FindKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.KeyId, domain.PSK, error) {
	if err := s.InitSession(""); err != nil {
		return 0, nil, err
	}
	matchID := id != 0
	objs, err := s.findObjects(dest, id, matchID)
	if err != nil {
		return 0, nil, err
	}
	for _, h := range objs {
		gotID, value, startDate, err := s.readObject(h)
		if err != nil {
			continue
		}
		if matchID || !isReserved(startDate) {
			return gotID, domain.PSK(value), nil
		}
	}
	return 0, nil, kyderrors.ErrKeyNotFound
}

func (s *Store) KeyExists(ctx context.Context, dest domain.SiteId, id domain.KeyId) (bool, error) {
	if err := s.InitSession(""); err != nil {
		return false, err
	}
	objs, err := s.findObjects(dest, id, true)
	if err != nil {
		return false, err
	}
	return len(objs) > 0, nil
}

func (s *Store) ReserveKey(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	if err := s.InitSession(""); err != nil {
		return 0, err
	}
	objs, err := s.findObjects(dest, 0, false)
	if err != nil {
		return 0, err
	}
	for _, h := range objs {
		id, _, startDate, err := s.readObject(h)
		if err != nil {
			continue
		}
		if isReserved(startDate) {
			continue
		}
		if err := s.ctx.SetAttributeValue(s.session, h, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_START_DATE, startDateBytes(true)),
		}); err != nil {
			continue
		}
		return id, nil
	}
	return 0, kyderrors.ErrNoKeysAvailable
}

func (s *Store) RemoveKey(ctx context.Context, dest domain.SiteId, id domain.KeyId) (domain.PSK, error) {
	if err := s.InitSession(""); err != nil {
		return nil, err
	}
	objs, err := s.findObjects(dest, id, true)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, kyderrors.ErrKeyNotFound
	}
	_, value, _, err := s.readObject(objs[0])
	if err != nil {
		return nil, err
	}
	if err := s.ctx.DestroyObject(s.session, objs[0]); err != nil {
		return nil, kyderrors.Wrap(err, "pkcs11store: destroy object")
	}
	return domain.PSK(value), nil
}

func (s *Store) RemoveKeys(ctx context.Context, dest domain.SiteId, ids []domain.KeyId) ([]domain.Key, error) {
	out := make([]domain.Key, 0, len(ids))
	for _, id := range ids {
		v, err := s.RemoveKey(ctx, dest, id)
		if err != nil {
			continue
		}
		out = append(out, domain.Key{Destination: dest, Id: id, Value: v, State: domain.KeyConsumed})
	}
	return out, nil
}

func (s *Store) GetCounts(ctx context.Context, dest domain.SiteId) (uint64, uint64, error) {
	if err := s.InitSession(""); err != nil {
		return 0, 0, err
	}
	objs, err := s.findObjects(dest, 0, false)
	if err != nil {
		return 0, 0, err
	}
	var available uint64
	for _, h := range objs {
		_, _, startDate, err := s.readObject(h)
		if err == nil && !isReserved(startDate) {
			available++
		}
	}
	return available, ^uint64(0), nil
}

func (s *Store) GetNextKeyId(ctx context.Context, dest domain.SiteId) (domain.KeyId, error) {
	if err := s.InitSession(""); err != nil {
		return 0, err
	}
	objs, err := s.findObjects(dest, 0, false)
	if err != nil {
		return 0, err
	}
	var max domain.KeyId
	for _, h := range objs {
		id, _, _, err := s.readObject(h)
		if err == nil && id > max {
			max = id
		}
	}
	return max + 1, nil
}
