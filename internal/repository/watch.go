package repository

import (
	"context"
	"encoding/json"
	"time"
)

// WatchEvent is emitted by Watch whenever the game list changes or a
// poll fails.
type WatchEvent struct {
	List *GamesList
	Err  error
}

// Watch polls GetGamesList every interval, emitting an event only
// when the decoded list is deep-unequal to the previously emitted
// one, or immediately on any fetch error. The returned channel is
// closed when ctx is done.
func (c *Client) Watch(ctx context.Context, initial *GamesList, interval time.Duration) <-chan WatchEvent {
	out := make(chan WatchEvent)

	go func() {
		defer close(out)

		last := initial
		lastEncoded, _ := json.Marshal(last)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				list, err := c.GetGamesList(ctx)
				if err != nil {
					select {
					case out <- WatchEvent{Err: err}:
					case <-ctx.Done():
						return
					}
					continue
				}

				encoded, _ := json.Marshal(list)
				if deepEqualJSON(encoded, lastEncoded) {
					continue
				}
				lastEncoded = encoded
				last = list

				select {
				case out <- WatchEvent{List: list}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func deepEqualJSON(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var av, bv interface{}
	if err := json.Unmarshal(a, &av); err != nil {
		return string(a) == string(b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return string(a) == string(b)
	}
	return jsonEqual(av, bv)
}

func jsonEqual(a, b interface{}) bool {
	am, aok := a.(map[string]interface{})
	bm, bok := b.(map[string]interface{})
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !jsonEqual(av, bv) {
				return false
			}
		}
		return true
	}

	al, aok := a.([]interface{})
	bl, bok := b.([]interface{})
	if aok && bok {
		if len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !jsonEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}

	return a == b
}
