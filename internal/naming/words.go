package naming

// Embedded word lists. Both lists are curated to be family-friendly,
// unambiguous when read aloud, and lowercase ASCII so generated IDs
// always satisfy the canonical session-ID shape.

var defaultAdjectives = []string{
	"able", "agile", "airy", "alert", "amber", "ample", "aqua", "avid",
	"balmy", "bold", "brave", "breezy", "bright", "brisk", "calm", "candid",
	"cheery", "chief", "civil", "clear", "clever", "cosmic", "cozy", "crisp",
	"daring", "dapper", "deft", "dewy", "eager", "early", "earnest", "easy",
	"fable", "fair", "famous", "fancy", "fine", "fleet", "fluent", "fond",
	"free", "fresh", "gentle", "giddy", "glad", "golden", "graceful", "grand",
	"happy", "hardy", "hearty", "honest", "humble", "ideal", "jolly", "jovial",
	"keen", "kind", "lively", "loyal", "lucid", "lucky", "mellow", "merry",
	"mighty", "modest", "neat", "nimble", "noble", "novel", "opal", "optimal",
	"patient", "peppy", "perky", "placid", "plucky", "polite", "proud", "pure",
	"quick", "quiet", "rapid", "rare", "ready", "regal", "robust", "rosy",
	"royal", "rustic", "serene", "sharp", "shiny", "silent", "sleek", "smart",
	"snappy", "solid", "sound", "spry", "stable", "stellar", "still", "sturdy",
	"sunny", "swift", "tidy", "tranquil", "trusty", "upbeat", "valiant", "vivid",
	"warm", "wise", "witty", "zesty",
}

var defaultNouns = []string{
	"acorn", "alder", "aspen", "badger", "basil", "bay", "beacon", "birch",
	"bison", "bluff", "brook", "canyon", "cedar", "cliff", "cloud", "clover",
	"comet", "coral", "cove", "crane", "creek", "cypress", "dale", "dawn",
	"delta", "dove", "dune", "eagle", "ember", "falcon", "fern", "field",
	"finch", "fjord", "flint", "forest", "fox", "garnet", "glacier", "glade",
	"grove", "gull", "harbor", "hawk", "hazel", "heron", "hill", "ibis",
	"iris", "island", "jade", "jasper", "juniper", "kestrel", "lagoon", "lake",
	"larch", "lark", "laurel", "lily", "linden", "lotus", "lynx", "maple",
	"marsh", "meadow", "mesa", "mist", "moss", "oak", "oasis", "ocean",
	"onyx", "orchid", "osprey", "otter", "owl", "pebble", "pine", "plume",
	"pond", "poppy", "prairie", "quail", "quartz", "rain", "raven", "reef",
	"ridge", "river", "robin", "sage", "shore", "sierra", "sparrow", "spring",
	"spruce", "star", "stone", "stork", "stream", "summit", "swan", "thicket",
	"tide", "trail", "tulip", "valley", "willow", "wren",
}

// defaultBlacklist holds words and combined forms that must never land
// in a session ID, even if an operator-supplied word list includes
// them.
var defaultBlacklist = []string{
	"arse", "bastard", "bloody", "bugger", "crap", "damn", "dead", "evil",
	"hell", "kill", "nazi", "rape", "sex", "sexy", "slut", "whore",
}
