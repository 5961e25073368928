// Package schema holds the fixed table of mesh event types and validates
// event payloads against it.
//
// Each entry lists required fields, optional fields, and a per-field
// constraint that is either a set of JSON kinds or an enumeration of allowed
// string values. Validate reports every problem it finds rather than stopping
// at the first, using stable messages:
//
//	Unknown event type: <type>
//	Missing required field: <field>
//	Invalid type for <field>: <kind>
//	Unexpected field: <field>
//
// The relay consults the table on ingress for frames whose type appears in
// it. A frame carrying a "data" object, for a type that does not declare a
// data field, is checked on that object with Validate. Otherwise the frame's
// own fields are checked with ValidateFlat, which waives the required
// "type" field since the envelope already supplies it. ExportJSONSchema renders the same table for browser clients.
package schema
