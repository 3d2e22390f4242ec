package h2egress

// staticEntry is one row of the fixed HPACK static table.
//
// https://httpwg.org/specs/rfc7541.html#static.table
type staticEntry struct {
	name, value string
}

// staticTable is the RFC 7541 Appendix A static table, 1-indexed in
// the wire format (index 1 == staticTable[0]). Carried over from the
// teacher's hpack.go static table, which is the one part of that file
// that wasn't corrupt.
var staticTable = [...]staticEntry{
	{":authority", ""},
	{":method", "GET"},
	{":method", "POST"},
	{":path", "/"},
	{":path", "/index.html"},
	{":scheme", "http"},
	{":scheme", "https"},
	{":status", "200"},
	{":status", "204"},
	{":status", "206"},
	{":status", "304"},
	{":status", "400"},
	{":status", "404"},
	{":status", "500"},
	{"accept-charset", ""},
	{"accept-encoding", "gzip, deflate"},
	{"accept-language", ""},
	{"accept-ranges", ""},
	{"accept", ""},
	{"access-control-allow-origin", ""},
	{"age", ""},
	{"allow", ""},
	{"authorization", ""},
	{"cache-control", ""},
	{"content-disposition", ""},
	{"content-encoding", ""},
	{"content-language", ""},
	{"content-length", ""},
	{"content-location", ""},
	{"content-range", ""},
	{"content-type", ""},
	{"cookie", ""},
	{"date", ""},
	{"etag", ""},
	{"expect", ""},
	{"expires", ""},
	{"from", ""},
	{"host", ""},
	{"if-match", ""},
	{"if-modified-since", ""},
	{"if-none-match", ""},
	{"if-range", ""},
	{"if-unmodified-since", ""},
	{"last-modified", ""},
	{"link", ""},
	{"location", ""},
	{"max-forwards", ""},
	{"proxy-authenticate", ""},
	{"proxy-authorization", ""},
	{"range", ""},
	{"referer", ""},
	{"refresh", ""},
	{"retry-after", ""},
	{"server", ""},
	{"set-cookie", ""},
	{"strict-transport-security", ""},
	{"transfer-encoding", ""},
	{"user-agent", ""},
	{"vary", ""},
	{"via", ""},
	{"www-authenticate", ""},
}

// staticStatusIndex maps the handful of statically-indexed :status
// values to their 1-based static table index, per spec §4.2.
var staticStatusIndex = map[int]uint64{
	200: 8,
	204: 9,
	206: 10,
	304: 11,
	400: 12,
	404: 13,
	500: 14,
}

// staticStatusNameIndex is the static table index of the bare :status
// pseudo-header name, used for literal-indexed-name encoding of any
// status code not in staticStatusIndex (and, per spec §6, for the
// fixed 100-Continue block).
const staticStatusNameIndex = 8

// findStatic looks for an exact name+value match in the static table.
func findStatic(name, value string) (idx uint64, ok bool) {
	for i, e := range staticTable {
		if e.name == name && e.value == value {
			return uint64(i + 1), true
		}
	}
	return 0, false
}

// findStaticName looks for a name-only match in the static table,
// returning the index of its first occurrence.
func findStaticName(name string) (idx uint64, ok bool) {
	for i, e := range staticTable {
		if e.name == name {
			return uint64(i + 1), true
		}
	}
	return 0, false
}
