package agent

import "strings"

// RiskLabel is the advisory severity shown with an approval request. Gating
// itself is binary; the label only informs the person deciding.
type RiskLabel string

const (
	RiskLow    RiskLabel = "LOW"
	RiskMedium RiskLabel = "MEDIUM"
	RiskHigh   RiskLabel = "HIGH"
)

// Default patterns matched against the action's payload, lowercased.
// Destructive filesystem, VCS, and schema operations are HIGH; installs,
// pushes, and network writes are MEDIUM. Configuration may extend either
// list.
var defaultHighRiskPatterns = []string{
	"rm -rf",
	"rm -r ",
	"rm -f",
	"rmdir",
	"git reset --hard",
	"git push --force",
	"git push -f",
	"git clean",
	"git checkout .",
	"drop table",
	"drop database",
	"drop schema",
	"truncate table",
	"delete from",
	"mkfs",
	"dd if=",
	"> /dev/",
	"chmod -r 777",
}

var defaultMediumRiskPatterns = []string{
	"npm install",
	"npm i ",
	"yarn add",
	"pip install",
	"go get",
	"go install",
	"cargo install",
	"apt install",
	"apt-get install",
	"brew install",
	"git push",
	"git fetch",
	"curl -d",
	"curl --data",
	"curl -x post",
	"curl -x put",
	"wget -o",
	"scp ",
	"rsync ",
}

// RiskClassifier assigns exactly one label per payload, ties broken toward
// the higher severity.
type RiskClassifier struct {
	high   []string
	medium []string
}

// NewRiskClassifier builds a classifier from the default pattern lists plus
// any configured extensions.
func NewRiskClassifier(extraMedium, extraHigh []string) *RiskClassifier {
	c := &RiskClassifier{
		high:   append([]string{}, defaultHighRiskPatterns...),
		medium: append([]string{}, defaultMediumRiskPatterns...),
	}
	for _, p := range extraHigh {
		c.high = append(c.high, strings.ToLower(p))
	}
	for _, p := range extraMedium {
		c.medium = append(c.medium, strings.ToLower(p))
	}
	return c
}

// Classify labels the semantic payload of an action (a command line or a
// diff). HIGH wins over MEDIUM when both match; anything else is LOW.
func (c *RiskClassifier) Classify(payload string) RiskLabel {
	lowered := strings.ToLower(payload)
	for _, p := range c.high {
		if strings.Contains(lowered, p) {
			return RiskHigh
		}
	}
	for _, p := range c.medium {
		if strings.Contains(lowered, p) {
			return RiskMedium
		}
	}
	return RiskLow
}
