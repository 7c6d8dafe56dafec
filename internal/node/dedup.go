package node

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/sha3"

	"github.com/ocppnet/overlay/internal/ocpp"
)

// duplicateVerdict is what the detector says about an incoming CALL.
type duplicateVerdict int

const (
	firstSeen duplicateVerdict = iota
	// inFlight means an identical request is still being served.
	inFlight
	// answered means an identical request was served; its reply is cached.
	answered
)

type exchange struct {
	fingerprint string
	reply       *ocpp.Frame
}

// duplicateDetector recognises retransmitted requests. A request is a
// retransmission when its originator, id, action, destination and payload
// all match an earlier one. Signatures are not compared: a peer may re-sign a
// retransmitted request. Reusing an id for a different request starts a new
// exchange.
type duplicateDetector struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, *exchange]
}

func newDuplicateDetector(size int, ttl time.Duration) *duplicateDetector {
	return &duplicateDetector{seen: expirable.NewLRU[string, *exchange](size, nil, ttl)}
}

func requestIdentity(f *ocpp.Frame) string {
	return f.NetworkPath.Source().String() + "|" + f.RequestID.String()
}

// requestFingerprint hashes everything a retransmission must repeat.
func requestFingerprint(f *ocpp.Frame) string {
	h := sha3.New256()
	h.Write([]byte(f.Action))
	h.Write([]byte{0})
	h.Write([]byte(f.Destination.String()))
	h.Write([]byte{0})
	h.Write(unsignedPayload(f.Payload))
	return hex.EncodeToString(h.Sum(nil))
}

// unsignedPayload re-encodes the payload without its signatures. Map keys
// come out sorted, so member order does not matter either.
func unsignedPayload(p json.RawMessage) []byte {
	var obj map[string]any
	if err := json.Unmarshal(p, &obj); err != nil {
		return p
	}
	delete(obj, "signatures")
	out, err := json.Marshal(obj)
	if err != nil {
		return p
	}
	return out
}

// Check records f and reports whether it repeats an earlier request. For an
// answered one the cached reply is returned.
func (d *duplicateDetector) Check(f *ocpp.Frame) (duplicateVerdict, *ocpp.Frame) {
	if d == nil {
		return firstSeen, nil
	}
	key, fp := requestIdentity(f), requestFingerprint(f)
	d.mu.Lock()
	defer d.mu.Unlock()
	if ex, ok := d.seen.Peek(key); ok && ex.fingerprint == fp {
		if ex.reply == nil {
			return inFlight, nil
		}
		return answered, ex.reply.Clone()
	}
	d.seen.Add(key, &exchange{fingerprint: fp})
	return firstSeen, nil
}

// Complete stores the reply sent for f. It is ignored when the id was
// meanwhile reused for another request.
func (d *duplicateDetector) Complete(f, reply *ocpp.Frame) {
	if d == nil || reply == nil {
		return
	}
	key, fp := requestIdentity(f), requestFingerprint(f)
	d.mu.Lock()
	defer d.mu.Unlock()
	if ex, ok := d.seen.Peek(key); ok && ex.fingerprint == fp {
		d.seen.Add(key, &exchange{fingerprint: fp, reply: reply.Clone()})
	}
}

// Forget drops f so a later retransmission is processed again.
func (d *duplicateDetector) Forget(f *ocpp.Frame) {
	if d == nil {
		return
	}
	key, fp := requestIdentity(f), requestFingerprint(f)
	d.mu.Lock()
	defer d.mu.Unlock()
	if ex, ok := d.seen.Peek(key); ok && ex.fingerprint == fp {
		d.seen.Remove(key)
	}
}

func (d *duplicateDetector) Len() int {
	if d == nil {
		return 0
	}
	return d.seen.Len()
}
