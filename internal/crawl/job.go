package crawl

import (
	"fmt"
	"iter"
	"strings"
)

const (
	DefaultORSBaseURL = "https://api.openrouteservice.org"
	DefaultVBBBaseURL = "https://v5.vbb.transport.rest"
	DefaultProfile    = "driving-car"

	// RadiusResults is the fixed page size for nearby-stop lookups.
	RadiusResults = 15
)

// Params carries the job options that shape requests and annotation.
type Params struct {
	ORSBaseURL string
	VBBBaseURL string

	APIKey  string
	Profile string

	Departure string
	Arrival   string

	ExcludedProducts []string
}

func (p Params) withDefaults() Params {
	if strings.TrimSpace(p.ORSBaseURL) == "" {
		p.ORSBaseURL = DefaultORSBaseURL
	}
	if strings.TrimSpace(p.VBBBaseURL) == "" {
		p.VBBBaseURL = DefaultVBBBaseURL
	}
	if strings.TrimSpace(p.Profile) == "" {
		p.Profile = DefaultProfile
	}
	p.ORSBaseURL = strings.TrimRight(p.ORSBaseURL, "/")
	p.VBBBaseURL = strings.TrimRight(p.VBBBaseURL, "/")
	return p
}

// Job is one crawl variant: which columns it needs, whether it fans out over
// destinations, how it builds requests and how it annotates responses.
type Job struct {
	Name        string
	Description string

	// Columns must be present in the first row of every input CSV.
	Columns []string
	// Paired jobs take the cartesian product of sources and destinations.
	Paired bool
	// Products reports whether the job honours excluded products.
	Products bool
	// OutputColumns are appended to the input header by tabular sinks.
	OutputColumns []string

	check    func(Params) error
	request  func(Params, Row, Row) (string, map[string]string)
	annotate func(Params, []byte, Descriptor) ([]Record, error)
}

// Validate checks the job-specific options. It must pass before any input is
// loaded.
func (j *Job) Validate(p Params) error {
	p = p.withDefaults()
	if j.check != nil {
		if err := j.check(p); err != nil {
			return err
		}
	}
	return j.checkExcluded(p)
}

// checkExcluded rejects excluded products that would overwrite one of the
// job's own query parameters.
func (j *Job) checkExcluded(p Params) error {
	if !j.Products || len(p.ExcludedProducts) == 0 || j.request == nil {
		return nil
	}
	bare := p
	bare.ExcludedProducts = nil
	_, q := j.request(bare, Row{}, Row{})
	for _, name := range p.ExcludedProducts {
		if _, ok := q[name]; ok {
			return &ConfigurationError{
				Option: "excluded_products",
				Reason: fmt.Sprintf("%q is a %s request parameter, not a product", name, j.Name),
			}
		}
	}
	return nil
}

// Plan lazily yields one descriptor per source (single-sided jobs) or per
// source x destination pair, source-major.
func (j *Job) Plan(p Params, sources, destinations []Row) iter.Seq[Descriptor] {
	p = p.withDefaults()
	return func(yield func(Descriptor) bool) {
		seq := 0
		emit := func(src, dst Row) bool {
			base, query := j.request(p, src, dst)
			d := Descriptor{
				Job:         j.Name,
				Seq:         seq,
				BaseURL:     base,
				Query:       query,
				Source:      src,
				Destination: dst,
			}
			seq++
			return yield(d)
		}
		for _, src := range sources {
			if !j.Paired {
				if !emit(src, nil) {
					return
				}
				continue
			}
			for _, dst := range destinations {
				if !emit(src, dst) {
					return
				}
			}
		}
	}
}

// Count returns how many descriptors Plan yields for the given inputs.
func (j *Job) Count(sources, destinations []Row) int {
	if !j.Paired {
		return len(sources)
	}
	return len(sources) * len(destinations)
}

// Annotate turns a decoded response body into output records for d.
func (j *Job) Annotate(p Params, body []byte, d Descriptor) ([]Record, error) {
	return j.annotate(p.withDefaults(), body, d)
}

// Jobs lists every job in CLI order.
var Jobs = []*Job{Directions, Journeys, StopsByAddress, StopsByRadius}

// Lookup finds a job by name.
func Lookup(name string) (*Job, bool) {
	for _, j := range Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return nil, false
}

func excludedFlags(q map[string]string, excluded []string) {
	for _, p := range excluded {
		q[p] = "false"
	}
}
