package adapter

import (
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/propcollect/internal/model"
)

var (
	cityCaser = cases.Title(language.AmericanEnglish)

	// streetRe requires a leading house number followed by at least one
	// name token. "123 Main St" passes, "Main St" and "123" do not.
	streetRe = regexp.MustCompile(`^\d+[A-Za-z]?\s+\S+`)
	zipRe    = regexp.MustCompile(`^(\d{5})(?:-\d{4})?$`)
)

// RawAddress is the pre-normalization address shape both adapters build.
type RawAddress struct {
	Street  string
	Unit    string
	City    string
	State   string
	Zipcode string
	County  string
}

// NormalizeAddress produces the canonical address: collapsed whitespace,
// title-case city, uppercase state, five-digit zipcode, unit appended to the
// street as ", Unit X". Entries missing a numbered street or a valid zipcode
// are rejected.
func NormalizeAddress(in RawAddress) (model.Address, error) {
	street := collapse(in.Street)
	if street == "" {
		return model.Address{}, eris.New("adapter: address missing street")
	}
	if !streetRe.MatchString(street) {
		return model.Address{}, eris.Errorf("adapter: street %q missing house number or name", street)
	}

	zip := collapse(in.Zipcode)
	m := zipRe.FindStringSubmatch(zip)
	if m == nil {
		return model.Address{}, eris.Errorf("adapter: invalid zipcode %q", zip)
	}

	unit := collapse(in.Unit)
	if unit != "" {
		street = street + ", Unit " + unit
	}

	return model.Address{
		Street:  street,
		Unit:    unit,
		City:    cityCaser.String(strings.ToLower(collapse(in.City))),
		State:   strings.ToUpper(collapse(in.State)),
		Zipcode: m[1],
		County:  collapse(in.County),
	}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
