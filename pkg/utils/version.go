// Package utils holds build metadata, stamped at release time with
// -ldflags "-X github.com/papercomputeco/spool/pkg/utils.Version=...".
package utils

var (
	Version   = "dev"
	Sha       = "HEAD"
	Buildtime = "dev"
)

// ShortVersion is Version with an abbreviated commit, e.g. "v0.3.1 (1a2b3c4)".
func ShortVersion() string {
	sha := Sha
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return Version + " (" + sha + ")"
}
