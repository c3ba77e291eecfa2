// Package metadata rebuilds NFT metadata JSON documents from cached
// trait tables. A record's edition number is carried in its Name field
// ("HOG #3642"); rows without one are still uploaded under "unknown".
package metadata

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"
)

// Collection defaults applied when a row leaves a field blank.
const (
	DefaultDescription = "The HOGs are a collection of 8888 unique HOG NFTs living on the XRP ledger."
	DefaultCreator     = "Bored Apes XRP Club"
	DefaultArtist      = "Bored Apes XRP Club"

	// Mint date used for every regenerated document (unix millis).
	MintDateMillis = 1674756786096

	// UnknownEdition is the literal destination id for rows whose Name
	// field carries no "#" suffix.
	UnknownEdition = "unknown"
)

// attributeColumns maps trait columns to their trait_type, in output order.
var attributeColumns = []struct {
	Column string
	Trait  string
}{
	{"Attribute Background", "Background"},
	{"Attribute Body", "Body"},
	{"Attribute Headwear", "Headwear"},
	{"Attribute Eyes", "Eyes"},
	{"Attribute Clothing", "Clothing"},
	{"Attribute Mouth", "Mouth"},
	{"Attribute Tusks", "Tusks"},
}

// Record is one CSV row keyed by header name.
type Record map[string]string

// Attribute is a single trait entry in the metadata document.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// Document is the on-CDN metadata JSON shape. Edition is an int for
// parseable editions and a string otherwise, matching the source data.
type Document struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	DNA         string      `json:"dna"`
	Edition     interface{} `json:"edition"`
	Date        int64       `json:"date"`
	Creator     string      `json:"creator"`
	Artist      string      `json:"artist"`
	Attributes  []Attribute `json:"attributes"`
}

// ReadRecords loads a delimited trait table, returning one Record per
// data row keyed by the header.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var out []Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := make(Record, len(header))
		for i, h := range header {
			if i < len(row) {
				rec[h] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// EditionID derives the destination id from a Name field: the text after
// the last "#", trimmed. Names without a "#" map to UnknownEdition.
func EditionID(name string) string {
	if !strings.Contains(name, "#") {
		return UnknownEdition
	}
	parts := strings.Split(name, "#")
	id := strings.TrimSpace(parts[len(parts)-1])
	if id == "" {
		return UnknownEdition
	}
	return id
}

// Attributes extracts the fixed trait columns, skipping blanks.
func Attributes(rec Record) []Attribute {
	out := []Attribute{}
	for _, ac := range attributeColumns {
		if v := strings.TrimSpace(rec[ac.Column]); v != "" {
			out = append(out, Attribute{TraitType: ac.Trait, Value: v})
		}
	}
	return out
}

// Build synthesizes the metadata document for one record.
func Build(rec Record) Document {
	name := rec["Name"]

	var edition interface{} = UnknownEdition
	if id := EditionID(name); id != UnknownEdition {
		if n, err := strconv.Atoi(id); err == nil {
			edition = n
		} else {
			edition = id
		}
	}

	doc := Document{
		Name:        name,
		Description: rec["Description"],
		Image:       rec["Image"],
		DNA:         rec["Dna"],
		Edition:     edition,
		Date:        MintDateMillis,
		Creator:     rec["Creator"],
		Artist:      rec["Artist"],
		Attributes:  Attributes(rec),
	}
	if doc.Description == "" {
		doc.Description = DefaultDescription
	}
	if doc.Creator == "" {
		doc.Creator = DefaultCreator
	}
	if doc.Artist == "" {
		doc.Artist = DefaultArtist
	}
	return doc
}

// Marshal renders the document the way the CDN files are stored:
// 2-space indented JSON.
func (d Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
