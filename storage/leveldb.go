package storage

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
)

var (
	valuePrefix = []byte("v/")
	peerPrefix  = []byte("p/")
)

type valueRecord struct {
	PublicKey    []byte `cbor:"k,omitempty"`
	Recipient    []byte `cbor:"rec,omitempty"`
	Nonce        []byte `cbor:"n,omitempty"`
	Signature    []byte `cbor:"sig,omitempty"`
	Seq          int32  `cbor:"seq"`
	Data         []byte `cbor:"v"`
	Persistent   bool   `cbor:"per"`
	UpdatedAt    int64  `cbor:"upd"`
	LastAnnounce int64  `cbor:"ann"`
}

type peerRecord struct {
	NodeId       []byte `cbor:"nid"`
	Origin       []byte `cbor:"org"`
	Port         uint16 `cbor:"port"`
	URL          string `cbor:"alt,omitempty"`
	Signature    []byte `cbor:"sig"`
	Persistent   bool   `cbor:"per"`
	UpdatedAt    int64  `cbor:"upd"`
	LastAnnounce int64  `cbor:"ann"`
}

// LevelDBStorage implements Storage on a LevelDB database (`node.db`).
type LevelDBStorage struct {
	db *leveldb.DB
}

var _ Storage = (*LevelDBStorage)(nil)

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &LevelDBStorage{db: db}, nil
}

func (s *LevelDBStorage) Close() error { return s.db.Close() }

func valueKey(id core.Id) []byte {
	return append(append([]byte(nil), valuePrefix...), id[:]...)
}

func peerKey(peerId, origin core.Id) []byte {
	k := append(append([]byte(nil), peerPrefix...), peerId[:]...)
	return append(k, origin[:]...)
}

func (s *LevelDBStorage) getValueRecord(id core.Id) (*valueRecord, error) {
	raw, err := s.db.Get(valueKey(id), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec valueRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: corrupt value record: %w", err)
	}
	return &rec, nil
}

func (rec *valueRecord) expired(now time.Time) bool {
	return !rec.Persistent && now.UnixMilli()-rec.UpdatedAt > MaxValueAge.Milliseconds()
}

func (rec *valueRecord) toValue() core.Value {
	var pk, rcpt *core.Id
	if len(rec.PublicKey) > 0 {
		id, _ := core.IdFromBytes(rec.PublicKey)
		pk = &id
	}
	if len(rec.Recipient) > 0 {
		id, _ := core.IdFromBytes(rec.Recipient)
		rcpt = &id
	}
	var nonce crypto.Nonce
	if len(rec.Nonce) == crypto.NonceBytes {
		nonce, _ = crypto.NonceFromBytes(rec.Nonce)
	}
	return core.ValueOf(pk, rcpt, nonce, rec.Seq, rec.Signature, rec.Data)
}

func (s *LevelDBStorage) GetValue(id core.Id) (*core.Value, error) {
	rec, err := s.getValueRecord(id)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.expired(time.Now()) {
		return nil, nil
	}
	v := rec.toValue()
	return &v, nil
}

func (s *LevelDBStorage) PutValue(value core.Value, expectedSeq int32, persistent, updateLastAnnounce bool) (*core.Value, error) {
	if value.IsMutable() && !value.IsValid() {
		return nil, ErrInvalidSignature
	}

	id := value.Id()
	existingRec, err := s.getValueRecord(id)
	if err != nil {
		return nil, err
	}

	var prior *core.Value
	if existingRec != nil && !existingRec.expired(time.Now()) {
		existing := existingRec.toValue()
		if existing.IsMutable() {
			if !value.IsMutable() {
				return nil, ErrImmutableSubstitution
			}
			if existing.HasPrivateKey() && !value.HasPrivateKey() {
				return nil, ErrNotOwner
			}
			if expectedSeq >= 0 && existing.SequenceNumber() != expectedSeq {
				return nil, ErrCASFail
			}
			if value.SequenceNumber() < existing.SequenceNumber() {
				return nil, ErrSequenceNotMonotonic
			}
			if value.SequenceNumber() == existing.SequenceNumber() &&
				!bytes.Equal(value.Data(), existing.Data()) {
				return nil, ErrSequenceNotMonotonic
			}
		}
		prior = &existing
		// preserve stickiness of persistence across refreshes
		persistent = persistent || existingRec.Persistent
	}

	now := time.Now().UnixMilli()
	rec := valueRecord{
		Signature:  value.Signature(),
		Seq:        value.SequenceNumber(),
		Data:       value.Data(),
		Persistent: persistent,
		UpdatedAt:  now,
	}
	if pk := value.PublicKeyRef(); pk != nil {
		rec.PublicKey = pk.Bytes()
		nonce := value.Nonce()
		rec.Nonce = nonce[:]
	}
	if rcpt := value.Recipient(); rcpt != nil {
		rec.Recipient = rcpt.Bytes()
	}
	if updateLastAnnounce {
		rec.LastAnnounce = now
	} else if existingRec != nil {
		rec.LastAnnounce = existingRec.LastAnnounce
	}

	raw, err := cbor.Marshal(&rec)
	if err != nil {
		return nil, err
	}
	return prior, s.db.Put(valueKey(id), raw, nil)
}

func (s *LevelDBStorage) UpdateValueLastAnnounce(id core.Id) error {
	rec, err := s.getValueRecord(id)
	if err != nil || rec == nil {
		return err
	}
	rec.LastAnnounce = time.Now().UnixMilli()
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(valueKey(id), raw, nil)
}

func (s *LevelDBStorage) PersistentValues(before time.Time) ([]core.Value, error) {
	var out []core.Value
	iter := s.db.NewIterator(util.BytesPrefix(valuePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var rec valueRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.Persistent && rec.LastAnnounce < before.UnixMilli() {
			out = append(out, rec.toValue())
		}
	}
	return out, iter.Error()
}

func (s *LevelDBStorage) RemoveValue(id core.Id) (bool, error) {
	key := valueKey(id)
	has, err := s.db.Has(key, nil)
	if err != nil || !has {
		return false, err
	}
	return true, s.db.Delete(key, nil)
}

func (s *LevelDBStorage) ValueIds() ([]core.Id, error) {
	var out []core.Id
	iter := s.db.NewIterator(util.BytesPrefix(valuePrefix), nil)
	defer iter.Release()
	for iter.Next() {
		id, err := core.IdFromBytes(iter.Key()[len(valuePrefix):])
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, iter.Error()
}

func (rec *peerRecord) expired(now time.Time) bool {
	return !rec.Persistent && now.UnixMilli()-rec.UpdatedAt > MaxPeerAge.Milliseconds()
}

func (rec *peerRecord) toPeer(peerId core.Id) core.PeerInfo {
	nodeId, _ := core.IdFromBytes(rec.NodeId)
	origin, _ := core.IdFromBytes(rec.Origin)
	return core.PeerInfoOf(peerId, nodeId, origin, rec.Port, rec.URL, rec.Signature)
}

func (s *LevelDBStorage) GetPeers(peerId core.Id, max int) ([]core.PeerInfo, error) {
	prefix := append(append([]byte(nil), peerPrefix...), peerId[:]...)
	var out []core.PeerInfo
	now := time.Now()
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		var rec peerRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if rec.expired(now) {
			continue
		}
		out = append(out, rec.toPeer(peerId))
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, iter.Error()
}

func (s *LevelDBStorage) GetPeer(peerId, origin core.Id) (*core.PeerInfo, error) {
	raw, err := s.db.Get(peerKey(peerId, origin), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec peerRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("storage: corrupt peer record: %w", err)
	}
	if rec.expired(time.Now()) {
		return nil, nil
	}
	p := rec.toPeer(peerId)
	return &p, nil
}

func (s *LevelDBStorage) PutPeer(peer core.PeerInfo, persistent, updateLastAnnounce bool) error {
	key := peerKey(peer.Id(), peer.Origin())

	now := time.Now().UnixMilli()
	rec := peerRecord{
		NodeId:     peer.NodeId().Bytes(),
		Origin:     peer.Origin().Bytes(),
		Port:       peer.Port(),
		URL:        peer.AlternativeURL(),
		Signature:  peer.Signature(),
		Persistent: persistent,
		UpdatedAt:  now,
	}
	if updateLastAnnounce {
		rec.LastAnnounce = now
	} else if raw, err := s.db.Get(key, nil); err == nil {
		var old peerRecord
		if cbor.Unmarshal(raw, &old) == nil {
			rec.LastAnnounce = old.LastAnnounce
			rec.Persistent = rec.Persistent || old.Persistent
		}
	}

	raw, err := cbor.Marshal(&rec)
	if err != nil {
		return err
	}
	return s.db.Put(key, raw, nil)
}

func (s *LevelDBStorage) UpdatePeerLastAnnounce(peerId, origin core.Id) error {
	key := peerKey(peerId, origin)
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var rec peerRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return err
	}
	rec.LastAnnounce = time.Now().UnixMilli()
	if raw, err = cbor.Marshal(&rec); err != nil {
		return err
	}
	return s.db.Put(key, raw, nil)
}

func (s *LevelDBStorage) PersistentPeers(before time.Time) ([]core.PeerInfo, error) {
	var out []core.PeerInfo
	iter := s.db.NewIterator(util.BytesPrefix(peerPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var rec peerRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if !rec.Persistent || rec.LastAnnounce >= before.UnixMilli() {
			continue
		}
		peerId, err := core.IdFromBytes(iter.Key()[len(peerPrefix) : len(peerPrefix)+core.IdBytes])
		if err != nil {
			continue
		}
		out = append(out, rec.toPeer(peerId))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Id().CompareTo(out[j].Id()) < 0
	})
	return out, iter.Error()
}

func (s *LevelDBStorage) RemovePeer(peerId, origin core.Id) (bool, error) {
	key := peerKey(peerId, origin)
	has, err := s.db.Has(key, nil)
	if err != nil || !has {
		return false, err
	}
	return true, s.db.Delete(key, nil)
}

func (s *LevelDBStorage) Expire() error {
	now := time.Now()
	batch := new(leveldb.Batch)

	iter := s.db.NewIterator(util.BytesPrefix(valuePrefix), nil)
	for iter.Next() {
		var rec valueRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err == nil && rec.expired(now) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()

	iter = s.db.NewIterator(util.BytesPrefix(peerPrefix), nil)
	for iter.Next() {
		var rec peerRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err == nil && rec.expired(now) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()

	return s.db.Write(batch, nil)
}
