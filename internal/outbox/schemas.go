package outbox

const presenceRecordedSchema = `{
  "type": "object",
  "title": "PresenceRecorded",
  "properties": {
    "event_id": {"type": "string"},
    "tag_id": {"type": "string"},
    "device_id": {"type": "string"},
    "event_type": {"type": "string", "enum": ["tag_insert", "tag_removed"]},
    "occurred_at": {"type": "string", "format": "date-time"},
    "tag_present": {"type": "boolean"},
    "relaxed": {"type": "boolean"},
    "received_at": {"type": "string", "format": "date-time"}
  },
  "required": ["event_id", "tag_id", "device_id", "event_type", "occurred_at", "tag_present", "relaxed", "received_at"],
  "additionalProperties": false
}`
