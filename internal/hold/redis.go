package hold

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/showtime-seating/internal/clock"
	"github.com/iliyamo/showtime-seating/internal/logging"
	"github.com/iliyamo/showtime-seating/internal/model"
)

const redisPrefix = "seating:"

// Redis is a Registry shared by every process pointed at the same Redis.
// Each seat is one hash; every mutation is a Lua script, so the
// compare-and-set of a single seat and the multi-seat Claim both run as
// one indivisible step on the server.
//
// Every key of a showtime expires after the idle period without a
// mutation.  The seeded flag lives half as long, so booked seats are
// re-seeded from the store before their hashes can lapse.
type Redis struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	opts   options
	seeded sync.Map // room -> time.Time the local seed mark lapses
}

var _ Registry = (*Redis)(nil)

// NewRedis returns a registry stored in rdb.
func NewRedis(rdb redis.UniversalClient, clk clock.Clock, opts ...Option) *Redis {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Redis{rdb: rdb, clock: clk, opts: buildOptions(opts)}
}

func seatKey(room string, seat model.SeatID) string {
	return redisPrefix + "seat:" + room + ":" + string(seat)
}

func roomSeatsKey(room string) string { return redisPrefix + "seats:" + room }
func seededKey(room string) string    { return redisPrefix + "seeded:" + room }

const expiryKey = redisPrefix + "expiry"

func member(room string, seat model.SeatID) string { return room + "|" + string(seat) }

func splitMember(m string) (string, model.SeatID, bool) {
	i := strings.LastIndexByte(m, '|')
	if i <= 0 || i == len(m)-1 {
		return "", "", false
	}
	return m[:i], model.SeatID(m[i+1:]), true
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (r *Redis) seedTTL() time.Duration { return r.opts.idle / 2 }

func (r *Redis) seed(ctx context.Context, key model.ShowtimeKey) error {
	if r.opts.booked == nil {
		return nil
	}
	room := key.String()
	now := r.clock.Now()
	if until, ok := r.seeded.Load(room); ok && now.Before(until.(time.Time)) {
		return nil
	}
	n, err := r.rdb.Exists(ctx, seededKey(room)).Result()
	if err != nil {
		return fmt.Errorf("seed flag: %w", err)
	}
	if n == 0 {
		booked, err := r.opts.booked.BookedSeats(ctx, key)
		if err != nil {
			return fmt.Errorf("seed booked seats: %w", err)
		}
		if err := r.MarkBooked(ctx, key, booked); err != nil {
			return err
		}
		// The flag goes up only once every booked seat is in place; a
		// crash before this line leaves the showtime to be seeded again.
		if err := r.rdb.Set(ctx, seededKey(room), 1, r.seedTTL()).Err(); err != nil {
			return fmt.Errorf("seed flag: %w", err)
		}
	}
	r.seeded.Store(room, now.Add(r.seedTTL()))
	return nil
}

// touch pushes back the idle expiry of the given seats and the room's
// seat set.  A failure only shortens how long idle state is kept, so it
// is logged and not returned.
func (r *Redis) touch(ctx context.Context, room string, seats ...model.SeatID) {
	pipe := r.rdb.Pipeline()
	for _, s := range seats {
		pipe.PExpire(ctx, seatKey(room, s), r.opts.idle)
	}
	pipe.PExpire(ctx, roomSeatsKey(room), r.opts.idle)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("showtime", room).Warn("refresh registry expiry")
	}
}

// parseChanges turns a script reply into events.  seats is indexed by
// the KEYS position the script reports.
func parseChanges(room string, seats []model.SeatID, reply interface{}, now time.Time) ([]model.SeatEvent, error) {
	vals, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}
	if len(vals)%5 != 0 {
		return nil, fmt.Errorf("unexpected script reply length %d", len(vals))
	}
	events := make([]model.SeatEvent, 0, len(vals)/5)
	for i := 0; i < len(vals); i += 5 {
		idx, _ := vals[i].(int64)
		ver, _ := vals[i+1].(int64)
		if idx < 1 || int(idx) > len(seats) {
			return nil, fmt.Errorf("script reply index %d out of range", idx)
		}
		events = append(events, model.SeatEvent{
			Showtime:  room,
			Seat:      seats[idx-1],
			Status:    seatState(str(vals[i+2])).public(),
			Holder:    str(vals[i+3]),
			BookingID: str(vals[i+4]),
			Version:   uint64(ver),
			At:        now,
		})
	}
	return events, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func (r *Redis) TryHold(ctx context.Context, key model.ShowtimeKey, seat model.SeatID, holder string) (model.SeatEvent, error) {
	if err := r.seed(ctx, key); err != nil {
		return model.SeatEvent{}, err
	}
	room := key.String()
	now := r.clock.Now()
	exp := now.Add(r.opts.ttl)
	reply, err := tryHoldScript.Run(ctx, r.rdb,
		[]string{seatKey(room, seat), roomSeatsKey(room), expiryKey},
		holder, ms(now), ms(exp), string(seat), member(room, seat)).Result()
	if err != nil {
		return model.SeatEvent{}, fmt.Errorf("try hold: %w", err)
	}
	events, err := parseChanges(room, []model.SeatID{seat}, reply, now)
	if err != nil {
		return model.SeatEvent{}, err
	}
	if len(events) == 0 {
		return model.SeatEvent{}, model.ErrSeatUnavailable
	}
	r.touch(ctx, room, seat)
	return events[0], nil
}

func (r *Redis) Release(ctx context.Context, key model.ShowtimeKey, seat model.SeatID, holder string) (model.SeatEvent, bool, error) {
	room := key.String()
	now := r.clock.Now()
	reply, err := releaseScript.Run(ctx, r.rdb,
		[]string{seatKey(room, seat), expiryKey},
		holder, member(room, seat), ms(now)).Result()
	if err != nil {
		return model.SeatEvent{}, false, fmt.Errorf("release: %w", err)
	}
	events, err := parseChanges(room, []model.SeatID{seat}, reply, now)
	if err != nil || len(events) == 0 {
		return model.SeatEvent{}, false, err
	}
	r.touch(ctx, room, seat)
	return events[0], true, nil
}

func (r *Redis) Refresh(ctx context.Context, key model.ShowtimeKey, holder string, seats []model.SeatID) ([]model.SeatID, error) {
	room := key.String()
	now := r.clock.Now()
	exp := now.Add(r.opts.ttl)
	var live []model.SeatID
	for _, seat := range sortedUnique(seats) {
		n, err := refreshScript.Run(ctx, r.rdb,
			[]string{seatKey(room, seat), expiryKey},
			holder, ms(now), ms(exp), member(room, seat)).Int64()
		if err != nil {
			return live, fmt.Errorf("refresh %s: %w", seat, err)
		}
		if n == 1 {
			live = append(live, seat)
		}
	}
	if len(live) > 0 {
		r.touch(ctx, room, live...)
	}
	return live, nil
}

// ExpireStale frees lapsed holds and claims.  Idle showtime keys expire
// on their own; only the local seed marks are pruned here.
func (r *Redis) ExpireStale(ctx context.Context, now time.Time) ([]model.SeatEvent, error) {
	r.seeded.Range(func(room, until any) bool {
		if !now.Before(until.(time.Time)) {
			r.seeded.Delete(room)
		}
		return true
	})
	members, err := r.rdb.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(ms(now), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expire scan: %w", err)
	}
	var events []model.SeatEvent
	for _, m := range members {
		room, seat, ok := splitMember(m)
		if !ok {
			r.rdb.ZRem(ctx, expiryKey, m)
			continue
		}
		reply, err := expireScript.Run(ctx, r.rdb,
			[]string{seatKey(room, seat), expiryKey},
			ms(now), m).Result()
		if err != nil {
			return events, fmt.Errorf("expire %s: %w", m, err)
		}
		evs, err := parseChanges(room, []model.SeatID{seat}, reply, now)
		if err != nil {
			return events, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (r *Redis) Snapshot(ctx context.Context, key model.ShowtimeKey) (Snapshot, error) {
	if err := r.seed(ctx, key); err != nil {
		return Snapshot{}, err
	}
	room := key.String()
	now := ms(r.clock.Now())
	seats, err := r.rdb.SMembers(ctx, roomSeatsKey(room)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot seats: %w", err)
	}
	snap := newSnapshot(key)
	if len(seats) == 0 {
		return snap, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(seats))
	for i, s := range seats {
		cmds[i] = pipe.HMGet(ctx, seatKey(room, model.SeatID(s)), "state", "holder", "exp", "booking", "ver")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Snapshot{}, fmt.Errorf("snapshot read: %w", err)
	}
	for i, s := range seats {
		seat := model.SeatID(s)
		v := cmds[i].Val()
		if len(v) < 5 || v[4] == nil {
			// hash lapsed while still listed in the room set
			continue
		}
		ver, _ := strconv.ParseUint(str(v[4]), 10, 64)
		snap.Versions[seat] = ver
		exp, _ := strconv.ParseInt(str(v[2]), 10, 64)
		switch st := seatState(str(v[0])); st {
		case stateHeld, stateClaimed:
			if exp >= now {
				snap.Holds[seat] = str(v[1])
			}
		case stateBooked:
			snap.Booked[seat] = str(v[3])
		}
	}
	return snap, nil
}

// multi builds the KEYS and member arguments for a multi-seat script.
func multi(room string, seats []model.SeatID) ([]string, []interface{}) {
	keys := make([]string, 0, len(seats)+1)
	members := make([]interface{}, 0, len(seats))
	for _, s := range seats {
		keys = append(keys, seatKey(room, s))
		members = append(members, member(room, s))
	}
	return keys, members
}

func (r *Redis) Claim(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, holder, bookingID string, deadline time.Time) ([]model.SeatEvent, error) {
	room := key.String()
	now := r.clock.Now()
	sorted := sortedUnique(seats)
	keys, members := multi(room, sorted)
	keys = append(keys, expiryKey)
	args := append([]interface{}{holder, bookingID, ms(now), ms(deadline)}, members...)
	reply, err := claimScript.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if vals, ok := reply.([]interface{}); ok && len(vals) == 2 {
		if reason, ok := vals[0].(string); ok {
			idx, _ := vals[1].(int64)
			seat := model.SeatID("?")
			if idx >= 1 && int(idx) <= len(sorted) {
				seat = sorted[idx-1]
			}
			if reason == "expired" {
				return nil, fmt.Errorf("seat %s: %w", seat, model.ErrHoldExpired)
			}
			return nil, fmt.Errorf("seat %s: %w", seat, model.ErrSeatNoLongerAvailable)
		}
	}
	return r.changed(ctx, room, sorted, reply, now)
}

// changed parses a multi-seat script reply and refreshes the idle expiry
// of the seats it names.
func (r *Redis) changed(ctx context.Context, room string, seats []model.SeatID, reply interface{}, now time.Time) ([]model.SeatEvent, error) {
	events, err := parseChanges(room, seats, reply, now)
	if err != nil {
		return nil, err
	}
	r.touch(ctx, room, seats...)
	return events, nil
}

func (r *Redis) Unclaim(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error) {
	room := key.String()
	now := r.clock.Now()
	sorted := sortedUnique(seats)
	keys, members := multi(room, sorted)
	keys = append(keys, expiryKey)
	args := append([]interface{}{bookingID, ms(now)}, members...)
	reply, err := unclaimScript.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("unclaim: %w", err)
	}
	return r.changed(ctx, room, sorted, reply, now)
}

func (r *Redis) Commit(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error) {
	room := key.String()
	now := r.clock.Now()
	sorted := sortedUnique(seats)
	keys, members := multi(room, sorted)
	keys = append(keys, roomSeatsKey(room), expiryKey)
	args := append([]interface{}{bookingID, ms(now)}, members...)
	for _, s := range sorted {
		args = append(args, string(s))
	}
	reply, err := commitScript.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.changed(ctx, room, sorted, reply, now)
}

func (r *Redis) Free(ctx context.Context, key model.ShowtimeKey, seats []model.SeatID, bookingID string) ([]model.SeatEvent, error) {
	room := key.String()
	now := r.clock.Now()
	sorted := sortedUnique(seats)
	keys, members := multi(room, sorted)
	keys = append(keys, expiryKey)
	args := append([]interface{}{bookingID, ms(now)}, members...)
	reply, err := freeScript.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("free: %w", err)
	}
	return r.changed(ctx, room, sorted, reply, now)
}

func (r *Redis) MarkBooked(ctx context.Context, key model.ShowtimeKey, booked map[model.SeatID]string) error {
	if len(booked) == 0 {
		return nil
	}
	byBooking := map[string][]model.SeatID{}
	for seat, id := range booked {
		byBooking[id] = append(byBooking[id], seat)
	}
	for id, seats := range byBooking {
		if _, err := r.Commit(ctx, key, seats, id); err != nil {
			return fmt.Errorf("mark booked: %w", err)
		}
	}
	return nil
}
