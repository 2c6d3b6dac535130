package queue

import "github.com/redis/go-redis/v9"

// All queue mutations are Lua scripts so every transition (ready → leased,
// leased → ready, leased → dead) is atomic under concurrent workers.
//
// Score layout: priority_rank * 1e13 + not_before_unix_ms. Rank 1 is
// critical; lower scores dequeue first, and the millisecond component keeps
// FIFO order within a rank.

// enqueueScript registers a job if its idempotency key is unseen.
//
// KEYS[1] = stream zset, KEYS[2] = job hash, KEYS[3] = idem key
// ARGV[1] = score, ARGV[2] = job id, ARGV[3] = idem TTL seconds,
// ARGV[4..] = alternating hash field/value pairs
// Returns 1 if enqueued, 0 if the idempotency key already exists.
var enqueueScript = redis.NewScript(`
if redis.call('SET', KEYS[3], ARGV[2], 'NX', 'EX', ARGV[3]) == false then
  return 0
end
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// dequeueScript leases the best ready job: lowest score whose embedded
// not-before is due. Scans a bounded window so a far-future critical job
// cannot block ready lower-priority work.
//
// KEYS[1] = stream zset, KEYS[2] = leased zset, KEYS[3] = paused flag
// ARGV[1] = now ms, ARGV[2] = lease deadline ms, ARGV[3] = job key prefix
// Returns the job hash as a flat field/value array, or false.
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return false
end
local window = redis.call('ZRANGE', KEYS[1], 0, 99, 'WITHSCORES')
local now = tonumber(ARGV[1])
for i = 1, #window, 2 do
  local id = window[i]
  local nb = tonumber(window[i+1]) % 1e13
  if nb <= now then
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
    return redis.call('HGETALL', ARGV[3] .. id)
  end
end
return false
`)

// ackScript releases a lease and deletes the job body.
//
// KEYS[1] = leased zset, KEYS[2] = job hash
// ARGV[1] = job id
// Returns 1 if the lease was held, 0 otherwise.
var ackScript = redis.NewScript(`
local held = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return held
`)

// nackScript returns a failed job either to the stream with a backoff or to
// the dead letter list once attempts are exhausted.
//
// KEYS[1] = stream zset, KEYS[2] = leased zset, KEYS[3] = dead list,
// KEYS[4] = job hash
// ARGV[1] = job id, ARGV[2] = new attempts, ARGV[3] = last error,
// ARGV[4] = max attempts, ARGV[5] = retry score, ARGV[6] = not_before ms
// Returns 'dead' or 'requeued'.
var nackScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[4], 'attempts', ARGV[2], 'last_error', ARGV[3])
if tonumber(ARGV[2]) >= tonumber(ARGV[4]) then
  redis.call('RPUSH', KEYS[3], ARGV[1])
  return 'dead'
end
redis.call('HSET', KEYS[4], 'not_before_ms', ARGV[6])
redis.call('ZADD', KEYS[1], ARGV[5], ARGV[1])
return 'requeued'
`)

// releaseScript puts a leased job back into the stream with a new
// not-before, leaving its attempt count untouched.
//
// KEYS[1] = stream zset, KEYS[2] = leased zset, KEYS[3] = job hash
// ARGV[1] = job id, ARGV[2] = score, ARGV[3] = not_before ms,
// ARGV[4] = last error
var releaseScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'not_before_ms', ARGV[3], 'last_error', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// recoverScript sweeps expired leases back to the stream (or to dead
// letters when attempts are exhausted). Crash recovery: a worker that died
// mid-job loses its lease at the deadline and the job is redelivered.
//
// KEYS[1] = leased zset, KEYS[2] = stream zset, KEYS[3] = dead list
// ARGV[1] = now ms, ARGV[2] = max attempts, ARGV[3] = job key prefix
// Returns {requeued, dead}.
var recoverScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, 100)
local requeued, dead = 0, 0
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local attempts = redis.call('HINCRBY', key, 'attempts', 1)
  redis.call('HSET', key, 'last_error', 'lease expired')
  if attempts >= tonumber(ARGV[2]) then
    redis.call('RPUSH', KEYS[3], id)
    dead = dead + 1
  else
    local rank = tonumber(redis.call('HGET', key, 'rank')) or 3
    redis.call('HSET', key, 'not_before_ms', ARGV[1])
    redis.call('ZADD', KEYS[2], rank * 1e13 + tonumber(ARGV[1]), id)
    requeued = requeued + 1
  end
end
return {requeued, dead}
`)

// promoteScript ages waiting jobs: anything enqueued (or last promoted)
// longer ago than the threshold moves up one priority rank.
//
// KEYS[1] = stream zset
// ARGV[1] = now ms, ARGV[2] = threshold ms, ARGV[3] = job key prefix,
// ARGV[4..7] = priority names for ranks 1..4
// Returns the number of promoted jobs.
var promoteScript = redis.NewScript(`
local window = redis.call('ZRANGE', KEYS[1], 0, 199, 'WITHSCORES')
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local promoted = 0
for i = 1, #window, 2 do
  local id = window[i]
  local score = tonumber(window[i+1])
  local rank = math.floor(score / 1e13)
  if rank > 1 then
    local key = ARGV[3] .. id
    local since = tonumber(redis.call('HGET', key, 'aged_ms'))
      or tonumber(redis.call('HGET', key, 'enqueued_ms'))
    if since ~= nil and now - since >= threshold then
      local nb = score % 1e13
      rank = rank - 1
      redis.call('ZADD', KEYS[1], rank * 1e13 + nb, id)
      redis.call('HSET', key, 'rank', rank, 'priority', ARGV[3 + rank], 'aged_ms', now)
      promoted = promoted + 1
    end
  end
end
return promoted
`)

// requeueDeadScript moves up to N dead-letter jobs back to the stream with
// attempts reset.
//
// KEYS[1] = dead list, KEYS[2] = stream zset
// ARGV[1] = max jobs, ARGV[2] = now ms, ARGV[3] = job key prefix
// Returns the number of requeued jobs.
var requeueDeadScript = redis.NewScript(`
local moved = 0
for i = 1, tonumber(ARGV[1]) do
  local id = redis.call('LPOP', KEYS[1])
  if id == false then
    break
  end
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local rank = tonumber(redis.call('HGET', key, 'rank')) or 3
    redis.call('HSET', key, 'attempts', 0, 'last_error', '', 'not_before_ms', ARGV[2])
    redis.call('ZADD', KEYS[2], rank * 1e13 + tonumber(ARGV[2]), id)
    moved = moved + 1
  end
end
return moved
`)
