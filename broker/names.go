package broker

import (
	"math/rand/v2"

	"github.com/hazyhaar/browserd/idgen"
)

// Two-word session names are a readability nicety; the registry falls
// back to a random id when the name space is exhausted.
var (
	nameAdjectives = []string{
		"amber", "bold", "brisk", "calm", "clear", "deep", "eager",
		"fresh", "gentle", "keen", "lively", "mellow", "noble", "proud",
		"quiet", "rapid", "solid", "steady", "vivid", "warm",
	}
	nameNouns = []string{
		"badger", "cedar", "comet", "falcon", "harbor", "heron",
		"maple", "meadow", "otter", "pine", "raven", "reef", "ridge",
		"river", "sparrow", "summit", "thicket", "tide", "valley", "wren",
	}
)

func randomSessionName() string {
	return nameAdjectives[rand.IntN(len(nameAdjectives))] + "-" +
		nameNouns[rand.IntN(len(nameNouns))]
}

// allocateSessionID returns an id not currently in taken. After a few
// two-word attempts it switches to a collision-free random suffix.
func allocateSessionID(taken func(string) bool) string {
	for range 8 {
		name := randomSessionName()
		if !taken(name) {
			return name
		}
	}
	gen := idgen.Prefixed("session-", idgen.NanoID(8))
	for {
		id := gen()
		if !taken(id) {
			return id
		}
	}
}
