package kcluster

import "github.com/twmb/franz-go/pkg/kmsg"

// produceVersionToRelease maps the highest Produce request version a
// broker advertises (via ApiVersions) to the release string kprod's
// apiVersionOrder table understands (spec §6.1's check_version). Kept
// deliberately coarse: the producer pipeline only needs to know whether
// the broker is new enough for its configured compression codec and acks
// semantics, not an exhaustive release history.
var produceVersionToRelease = map[int16]string{
	0: "0.8.0",
	1: "0.8.1",
	2: "0.8.2",
	3: "0.9",
}

// releaseForVersions derives a release string from a broker's probed
// ApiVersions, falling back to the oldest known release if Produce isn't
// present at all (a broker this old predates ApiVersions too, so this
// path is mostly defensive).
func releaseForVersions(versions map[int16]int16) string {
	produceKey := kmsg.NewPtrProduceRequest().Key()
	max, ok := versions[produceKey]
	if !ok {
		return "0.8.0"
	}
	for max >= 0 {
		if rel, ok := produceVersionToRelease[max]; ok {
			return rel
		}
		max--
	}
	return "0.9"
}
