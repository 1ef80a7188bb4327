package hold

import "github.com/redis/go-redis/v9"

// Every script returns a flat list of changed seats, five values per
// seat: KEYS index (1-based), new version, state, holder, booking id.
// now and expiry arguments are unix milliseconds supplied by the caller
// so a fake clock drives Redis the same way it drives Memory.

// bump increments a seat's version.  A seat hash that does not exist,
// never created or dropped after going idle, starts at now so its
// version stays above anything issued before it expired.
const bump = `
local function bump(k, now)
  local v = redis.call('HINCRBY', k, 'ver', 1)
  if v == 1 then
    redis.call('HSET', k, 'ver', now)
    v = tonumber(now)
  end
  return v
end
`

// KEYS: seat hash, room seat set, expiry zset
// ARGV: holder, now, expiresAt, seat, zset member
var tryHoldScript = redis.NewScript(bump + `
local v = redis.call('HMGET', KEYS[1], 'state', 'holder', 'exp')
local st = v[1] or 'free'
local holder = v[2] or ''
local exp = tonumber(v[3] or '0')
if (st == 'held' or st == 'claimed') and exp < tonumber(ARGV[2]) then st = 'free' end
if st == 'booked' or st == 'claimed' or (st == 'held' and holder ~= ARGV[1]) then
  return {}
end
local ver = bump(KEYS[1], ARGV[2])
redis.call('HSET', KEYS[1], 'state', 'held', 'holder', ARGV[1], 'exp', ARGV[3], 'booking', '', 'prev', '0')
redis.call('SADD', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])
return {1, ver, 'held', ARGV[1], ''}
`)

// KEYS: seat hash, expiry zset
// ARGV: holder, zset member, now
var releaseScript = redis.NewScript(bump + `
local v = redis.call('HMGET', KEYS[1], 'state', 'holder')
if v[1] ~= 'held' or v[2] ~= ARGV[1] then return {} end
local ver = bump(KEYS[1], ARGV[3])
redis.call('HSET', KEYS[1], 'state', 'free', 'holder', '', 'exp', '0', 'booking', '', 'prev', '0')
redis.call('ZREM', KEYS[2], ARGV[2])
return {1, ver, 'free', '', ''}
`)

// KEYS: seat hash, expiry zset
// ARGV: holder, now, expiresAt, zset member
var refreshScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'state', 'holder', 'exp')
if v[1] ~= 'held' or v[2] ~= ARGV[1] or tonumber(v[3] or '0') < tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], 'exp', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS: seat hash, expiry zset
// ARGV: now, zset member
var expireScript = redis.NewScript(bump + `
local v = redis.call('HMGET', KEYS[1], 'state', 'exp')
local st = v[1] or 'free'
if st ~= 'held' and st ~= 'claimed' then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return {}
end
if tonumber(v[2] or '0') >= tonumber(ARGV[1]) then return {} end
local ver = bump(KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'free', 'holder', '', 'exp', '0', 'booking', '', 'prev', '0')
redis.call('ZREM', KEYS[2], ARGV[2])
return {1, ver, 'free', '', ''}
`)

// KEYS: seat hashes in sorted order, expiry zset last
// ARGV: holder, booking id, now, deadline, zset member per seat
var claimScript = redis.NewScript(bump + `
local n = #KEYS - 1
local z = KEYS[#KEYS]
local now = tonumber(ARGV[3])
for i = 1, n do
  local v = redis.call('HMGET', KEYS[i], 'state', 'holder', 'exp')
  local st = v[1] or 'free'
  if (st == 'held' or st == 'claimed') and tonumber(v[3] or '0') < now then st = 'free' end
  if st == 'free' then return {'expired', i} end
  if st ~= 'held' or v[2] ~= ARGV[1] then return {'taken', i} end
end
local out = {}
for i = 1, n do
  local exp = redis.call('HGET', KEYS[i], 'exp')
  local holder = redis.call('HGET', KEYS[i], 'holder')
  local ver = bump(KEYS[i], ARGV[3])
  redis.call('HSET', KEYS[i], 'state', 'claimed', 'booking', ARGV[2], 'prev', exp, 'exp', ARGV[4])
  redis.call('ZADD', z, ARGV[4], ARGV[4 + i])
  table.insert(out, i)
  table.insert(out, ver)
  table.insert(out, 'claimed')
  table.insert(out, holder)
  table.insert(out, ARGV[2])
end
return out
`)

// KEYS: seat hashes, expiry zset last
// ARGV: booking id, now, zset member per seat
var unclaimScript = redis.NewScript(bump + `
local n = #KEYS - 1
local z = KEYS[#KEYS]
local now = tonumber(ARGV[2])
local out = {}
for i = 1, n do
  local v = redis.call('HMGET', KEYS[i], 'state', 'booking', 'prev', 'holder')
  if v[1] == 'claimed' and v[2] == ARGV[1] then
    local ver = bump(KEYS[i], ARGV[2])
    local prev = tonumber(v[3] or '0')
    local st, holder = 'held', v[4] or ''
    if prev < now then
      st, holder = 'free', ''
      redis.call('HSET', KEYS[i], 'state', 'free', 'holder', '', 'exp', '0', 'booking', '', 'prev', '0')
      redis.call('ZREM', z, ARGV[2 + i])
    else
      redis.call('HSET', KEYS[i], 'state', 'held', 'exp', v[3], 'booking', '', 'prev', '0')
      redis.call('ZADD', z, v[3], ARGV[2 + i])
    end
    table.insert(out, i)
    table.insert(out, ver)
    table.insert(out, st)
    table.insert(out, holder)
    table.insert(out, '')
  end
end
return out
`)

// KEYS: seat hashes, room seat set, expiry zset last
// ARGV: booking id, now, zset member per seat, then seat ids
var commitScript = redis.NewScript(bump + `
local n = #KEYS - 2
local set = KEYS[#KEYS - 1]
local z = KEYS[#KEYS]
local out = {}
for i = 1, n do
  local v = redis.call('HMGET', KEYS[i], 'state', 'booking')
  if not (v[1] == 'booked' and v[2] == ARGV[1]) then
    local ver = bump(KEYS[i], ARGV[2])
    redis.call('HSET', KEYS[i], 'state', 'booked', 'holder', '', 'exp', '0', 'booking', ARGV[1], 'prev', '0')
    redis.call('ZREM', z, ARGV[2 + i])
    redis.call('SADD', set, ARGV[2 + n + i])
    table.insert(out, i)
    table.insert(out, ver)
    table.insert(out, 'booked')
    table.insert(out, '')
    table.insert(out, ARGV[1])
  end
end
return out
`)

// KEYS: seat hashes, expiry zset last
// ARGV: booking id, now, zset member per seat
var freeScript = redis.NewScript(bump + `
local n = #KEYS - 1
local z = KEYS[#KEYS]
local out = {}
for i = 1, n do
  local v = redis.call('HMGET', KEYS[i], 'state', 'booking')
  if (v[1] == 'claimed' or v[1] == 'booked') and v[2] == ARGV[1] then
    local ver = bump(KEYS[i], ARGV[2])
    redis.call('HSET', KEYS[i], 'state', 'free', 'holder', '', 'exp', '0', 'booking', '', 'prev', '0')
    redis.call('ZREM', z, ARGV[2 + i])
    table.insert(out, i)
    table.insert(out, ver)
    table.insert(out, 'free')
    table.insert(out, '')
    table.insert(out, '')
  end
end
return out
`)
