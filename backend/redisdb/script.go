package redisdb

// commitScript is the atomic commit primitive of §4.2/§4.4: all
// preconditions and all mutations of one bundle are evaluated and applied
// as a single Lua script invocation, matching §9's re-architecture note
// ("Server-side scripting for atomic commit... backends that natively
// support atomic transactional blocks implement it directly").
//
// The bundle is passed pre-encoded as a single JSON argument (ARGV[1])
// rather than as KEYS, since a bundle's key count varies per call and
// go-redis EVAL does not support a dynamic KEYS slice built at Lua
// runtime from ARGV.
const commitScript = `
local bundle = cjson.decode(ARGV[1])

local function matches_value(member, value_match)
  if value_match == nil or value_match == "" then
    return true
  end
  local colon = string.find(member, ":")
  if not colon then
    return false
  end
  return string.sub(member, 1, colon - 1) == value_match
end

local function member_id(member)
  local colon = string.find(member, ":")
  if colon then
    return string.sub(member, colon + 1)
  end
  return member
end

for _, p in ipairs(bundle.preconditions or {}) do
  if p.kind == "VER" then
    local v = redis.call("HGET", p.key, "_version")
    if (not v) or tonumber(v) ~= p.version then
      return cjson.encode({outcome = "RACE"})
    end
  elseif p.kind == "NX" then
    if redis.call("EXISTS", p.key) == 1 then
      return cjson.encode({outcome = "RACE"})
    end
  elseif p.kind == "EX" then
    if redis.call("EXISTS", p.key) == 0 then
      return cjson.encode({outcome = "RACE"})
    end
  elseif p.kind == "UNIQ" then
    local members = redis.call("ZRANGEBYSCORE", p.index_key, p.score_lo, p.score_hi)
    local exclude = {}
    for _, id in ipairs(p.exclude_ids or {}) do
      exclude[tostring(id)] = true
    end
    local conflicts = {}
    for _, m in ipairs(members) do
      if matches_value(m, p.value_match) and not exclude[member_id(m)] then
        table.insert(conflicts, member_id(m))
      end
    end
    if #conflicts > 0 then
      return cjson.encode({outcome = "UNIQUE", conflicts = conflicts})
    end
  end
end

for _, m in ipairs(bundle.mutations or {}) do
  if m.kind == "PUT" then
    redis.call("DEL", m.key)
    for k, v in pairs(m.fields) do
      redis.call("HSET", m.key, k, v)
    end
  elseif m.kind == "DEL" then
    redis.call("DEL", m.key)
  elseif m.kind == "ZADD" then
    redis.call("ZADD", m.index_key, m.score, m.member)
  elseif m.kind == "ZREM" then
    redis.call("ZREM", m.index_key, m.member)
  end
end

for _, ch in ipairs(bundle.channels or {}) do
  redis.call("PUBLISH", ch, "1")
end

return cjson.encode({outcome = "OK"})
`
