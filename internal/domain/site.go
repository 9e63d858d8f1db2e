package domain

// SiteId is the URL-like identity of a site agent (scheme://host:port), and
// the key under which its records are stored in every keyed store.
type SiteId string

func (s SiteId) String() string { return string(s) }

// DeviceId names a QKD device within a site's device factory.
type DeviceId string

// HopEndpoint is one end of a HopPair: a site and the device it uses for
// that hop.
type HopEndpoint struct {
	Site     SiteId
	DeviceId DeviceId
}

// SystemParameters configures one Detection Gating instance. All fields must
// be positive / in-range; see SPEC_FULL.md §4.1, Open Question 1 — the
// validator checks the incoming values before they are ever assigned to a
// running instance's fields.
type SystemParameters struct {
	FrameWidthPs        int64
	SlotWidthPs         int64
	PulseWidthPs        int64
	SlotOffsetTestRange int
	AcceptanceRatio     float64
}

// HopPair is one link in a PhysicalPath. Consecutive pairs share a site,
// which acts as the trusted relay between them.
type HopPair struct {
	First  HopEndpoint
	Second HopEndpoint
	Params SystemParameters
}

// PhysicalPath is the ordered chain of hops a multi-hop key request or a
// session setup travels across.
type PhysicalPath []HopPair

// Sites returns the ordered, de-duplicated chain of sites S0..Sn implied by
// the path's hop pairs.
func (p PhysicalPath) Sites() []SiteId {
	if len(p) == 0 {
		return nil
	}
	sites := make([]SiteId, 0, len(p)+1)
	sites = append(sites, p[0].First.Site)
	for _, hop := range p {
		sites = append(sites, hop.Second.Site)
	}
	return sites
}
