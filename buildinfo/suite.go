package buildinfo

// suiteByMajor maps a base-files major version to a Debian release code
// name.
var suiteByMajor = map[string]string{
	"6":  "squeeze",
	"7":  "wheezy",
	"8":  "jessie",
	"9":  "stretch",
	"10": "buster",
	"11": "bullseye",
	"12": "bookworm",
}
