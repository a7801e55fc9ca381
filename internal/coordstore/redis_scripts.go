// SPDX-License-Identifier: MIT

package coordstore

import "github.com/redis/go-redis/v9"

// Each script is the LWT analogue of one named statement template: a
// server-side, single-round-trip compare-and-set. Redis's own atomic
// scripting is the linearizable-CAS substrate this module grounds
// "LWT" on (see DESIGN.md).

// scriptLeaderInsertIfAbsent implements template 1.
// KEYS[1] = leader:<leader_id>
// ARGV = { holder_id, holder_host, ttl_seconds, now }
var scriptLeaderInsertIfAbsent = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'reaper_instance_id', ARGV[1], 'reaper_instance_host', ARGV[2], 'last_heartbeat', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// scriptLeaderUpdateIfHolder implements template 2.
// KEYS[1] = leader:<leader_id>
// ARGV = { ttl_seconds, new_holder_id, new_holder_host, expected_holder_id, now }
var scriptLeaderUpdateIfHolder = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'reaper_instance_id')
if cur == false or cur ~= ARGV[4] then
  return 0
end
redis.call('HSET', KEYS[1], 'reaper_instance_id', ARGV[2], 'reaper_instance_host', ARGV[3], 'last_heartbeat', ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[1])
return 1
`)

// scriptLeaderDeleteIfHolder implements template 3.
// KEYS[1] = leader:<leader_id>
// ARGV = { expected_holder_id }
var scriptLeaderDeleteIfHolder = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'reaper_instance_id')
if cur == false or cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// scriptRunningRepairsWrite implements template 4, batched over KEYS.
// A {repair_id} hash tag on every key keeps the whole batch in one
// cluster slot, so this single EVAL is the atomic, all-or-nothing
// transition the node-lock batch requires — not a degraded per-row loop.
// KEYS[1..N] = running_repairs:{repair_id}:<node>
// ARGV = { mode, ttl_seconds, holder_id, holder_host, segment_id }
var scriptRunningRepairsWrite = redis.NewScript(`
local mode = ARGV[1]
local ttl = tonumber(ARGV[2])
local holderID = ARGV[3]
local holderHost = ARGV[4]
local segmentID = ARGV[5]

for i = 1, #KEYS do
  local cur = redis.call('HGET', KEYS[i], 'reaper_instance_id')
  local holderMatches
  if mode == 'acquire' then
    holderMatches = (cur == false or cur == '')
  else
    holderMatches = (cur == holderID)
  end
  if not holderMatches then
    local curHost = redis.call('HGET', KEYS[i], 'reaper_instance_host')
    local curSeg = redis.call('HGET', KEYS[i], 'segment_id')
    local curID = cur
    if curID == false then curID = '' end
    if curHost == false then curHost = '' end
    if curSeg == false then curSeg = '' end
    return {0, KEYS[i], curID, curHost, curSeg}
  end
end

for i = 1, #KEYS do
  if mode == 'release' then
    redis.call('HSET', KEYS[i], 'reaper_instance_id', '', 'reaper_instance_host', '', 'segment_id', '')
  else
    redis.call('HSET', KEYS[i], 'reaper_instance_id', holderID, 'reaper_instance_host', holderHost, 'segment_id', segmentID)
  end
  redis.call('EXPIRE', KEYS[i], ttl)
end
return {1}
`)
