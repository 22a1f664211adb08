// Package fiberproc implements the per-fiber-type correlation stage (spec
// §4.3): for one fiber type it consumes the globally-ordered record stream
// and maintains the set of open fibers, joining, merging, and closing them
// according to the type's configured patterns.
//
// A Processor is owned exclusively by the single goroutine that calls
// Process; its open-fiber and key-index maps are never touched from any
// other goroutine, so none of its state needs locking.
package fiberproc

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/aiguy110/noil/internal/metrics"
	"github.com/aiguy110/noil/pkg/errors"
	"github.com/aiguy110/noil/pkg/types"
)

var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}$`)

// compiledPattern is one source's pattern with its regex pre-compiled.
type compiledPattern struct {
	regex                   *regexp.Regexp
	releaseMatchingPeerKeys []string
	releaseSelfKeys         []string
	close                   bool
}

// compiledAttribute is one attribute definition with its type and, for
// derived attributes, the referenced attribute names in dependency order.
type compiledAttribute struct {
	name       string
	typ        types.AttributeType
	isKey      bool
	derived    string
	references []string
}

// referencesSatisfied reports whether every attribute this derived
// attribute depends on has already been computed for the current record.
// A static template (no references) is always satisfied.
func (a compiledAttribute) referencesSatisfied(values map[string]types.AttributeValue) bool {
	for _, ref := range a.references {
		if _, ok := values[ref]; !ok {
			return false
		}
	}
	return true
}

// keyEntry is one claimed (key_name, value) -> fiber mapping. Entries for
// the same hash bucket are compared by name and value to resolve the rare
// xxhash collision, the same identity-hashing idiom the log_capturer's
// deduplication manager used for content fingerprints, applied here to key
// lookups instead of content dedup.
type keyEntry struct {
	name    string
	value   string
	fiberID string
}

// Processor implements types.FiberProcessor for one fiber type.
type Processor struct {
	fiberType     string
	configVersion int64
	logger        *logrus.Logger

	maxGap  time.Duration
	gapMode string // "session" | "from_start"

	attributes   []compiledAttribute
	attrByName   map[string]compiledAttribute
	patternsBySource map[string][]compiledPattern

	openFibers map[string]*types.FiberSession
	keyIndex   map[uint64][]*keyEntry

	logicalClock time.Time
	fiberSeq     int64
}

var derivedRefPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

// New compiles cfg into a ready Processor, validating patterns and the
// derived-attribute dependency graph up front so a bad config fails at
// startup (or hot-reload) rather than mid-stream.
func New(cfg types.FiberTypeConfig, configVersion int64, restore *types.ProcessorSnapshot, logger *logrus.Logger) (*Processor, error) {
	p := &Processor{
		fiberType:        cfg.Name,
		configVersion:    configVersion,
		logger:           logger,
		gapMode:          cfg.GapMode,
		attrByName:       make(map[string]compiledAttribute, len(cfg.Attributes)),
		patternsBySource: make(map[string][]compiledPattern, len(cfg.Sources)),
		openFibers:       make(map[string]*types.FiberSession),
		keyIndex:         make(map[uint64][]*keyEntry),
	}
	if p.gapMode == "" {
		p.gapMode = "session"
	}

	if cfg.MaxGap == "infinite" || cfg.MaxGap == "" {
		p.maxGap = 0
	} else {
		d, err := time.ParseDuration(cfg.MaxGap)
		if err != nil {
			return nil, errors.ConfigError("parse_max_gap", fmt.Sprintf("fiber type %s: %v", cfg.Name, err)).WithSeverity(errors.SeverityCritical)
		}
		p.maxGap = d
	}

	rawAttrs := make(map[string]types.AttributeDefConfig, len(cfg.Attributes))
	for _, a := range cfg.Attributes {
		rawAttrs[a.Name] = a
	}
	order, err := topoSortAttributes(rawAttrs)
	if err != nil {
		return nil, errors.NewWithSeverity(errors.SeverityCritical, errors.CodeProcessorDerivedCycle, "fiberproc", "compile_attributes", fmt.Sprintf("fiber type %s: %v", cfg.Name, err))
	}
	for _, name := range order {
		a := rawAttrs[name]
		ca := compiledAttribute{
			name:    a.Name,
			typ:     types.AttributeType(a.Type),
			isKey:   a.Key,
			derived: a.Derived,
		}
		if a.Derived != "" {
			for _, m := range derivedRefPattern.FindAllStringSubmatch(a.Derived, -1) {
				ca.references = append(ca.references, m[1])
			}
		}
		p.attributes = append(p.attributes, ca)
		p.attrByName[a.Name] = ca
	}

	for _, sp := range cfg.Sources {
		compiled := make([]compiledPattern, 0, len(sp.Patterns))
		for _, pat := range sp.Patterns {
			re, err := regexp.Compile(pat.Regex)
			if err != nil {
				return nil, errors.NewWithSeverity(errors.SeverityCritical, errors.CodeProcessorPatternInvalid, "fiberproc", "compile_pattern",
					fmt.Sprintf("fiber type %s, source %s: %v", cfg.Name, sp.SourceID, err))
			}
			compiled = append(compiled, compiledPattern{
				regex:                   re,
				releaseMatchingPeerKeys: pat.ReleaseMatchingPeerKeys,
				releaseSelfKeys:         pat.ReleaseSelfKeys,
				close:                   pat.Close,
			})
		}
		p.patternsBySource[sp.SourceID] = compiled
	}

	if restore != nil {
		p.logicalClock = time.Unix(0, restore.LogicalClock).UTC()
		for i := range restore.OpenFibers {
			f := restore.OpenFibers[i]
			p.openFibers[f.FiberID] = &f
			for name, value := range f.Keys {
				p.claimKey(name, value, f.FiberID)
			}
			if n, err := fiberSeqOf(f.FiberID, p.fiberType); err == nil && n > p.fiberSeq {
				p.fiberSeq = n
			}
		}
	}

	return p, nil
}

// fiberSeqOf extracts the numeric sequence suffix of a fiber id minted by
// resolveFiber ("<fiberType>-<seq>"), so a restored processor continues
// numbering from where the checkpoint left off instead of colliding with
// fibers it already owns.
func fiberSeqOf(fiberID, fiberType string) (int64, error) {
	prefix := fiberType + "-"
	if !strings.HasPrefix(fiberID, prefix) {
		return 0, fmt.Errorf("fiber id %q has no %q prefix", fiberID, prefix)
	}
	return strconv.ParseInt(strings.TrimPrefix(fiberID, prefix), 10, 64)
}

// topoSortAttributes orders attribute definitions so every derived
// attribute is computed after everything it references, detecting cycles
// and unknown references.
func topoSortAttributes(attrs map[string]types.AttributeDefConfig) ([]string, error) {
	deps := make(map[string][]string, len(attrs))
	for name, a := range attrs {
		if a.Derived == "" {
			deps[name] = nil
			continue
		}
		var refs []string
		for _, m := range derivedRefPattern.FindAllStringSubmatch(a.Derived, -1) {
			if _, ok := attrs[m[1]]; !ok {
				return nil, fmt.Errorf("attribute %q references unknown attribute %q", name, m[1])
			}
			refs = append(refs, m[1])
		}
		deps[name] = refs
	}

	var order []string
	state := make(map[string]int) // 0=unvisited 1=visiting 2=done
	var names []string
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic compile order

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("cycle detected at attribute %q", name)
		}
		state[name] = 1
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = 2
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func keyHash(name, value string) uint64 {
	h := xxhash.New()
	h.WriteString(name)
	h.Write([]byte{0})
	h.WriteString(value)
	return h.Sum64()
}

func (p *Processor) lookupKey(name, value string) *keyEntry {
	for _, e := range p.keyIndex[keyHash(name, value)] {
		if e.name == name && e.value == value {
			return e
		}
	}
	return nil
}

func (p *Processor) claimKey(name, value, fiberID string) {
	h := keyHash(name, value)
	if e := p.lookupKey(name, value); e != nil {
		e.fiberID = fiberID
		return
	}
	p.keyIndex[h] = append(p.keyIndex[h], &keyEntry{name: name, value: value, fiberID: fiberID})
}

func (p *Processor) releaseKey(name, value string) {
	h := keyHash(name, value)
	entries := p.keyIndex[h]
	for i, e := range entries {
		if e.name == name && e.value == value {
			p.keyIndex[h] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (p *Processor) releaseAllKeys(f *types.FiberSession) {
	for name, value := range f.Keys {
		p.releaseKey(name, value)
	}
}

// ConfigVersion reports the installed config version.
func (p *Processor) ConfigVersion() int64 { return p.configVersion }

// OpenFiberCount reports the number of currently open fibers.
func (p *Processor) OpenFiberCount() int { return len(p.openFibers) }

// Snapshot captures every open fiber for this type, to be persisted by the
// checkpoint store and replayed through New's restore parameter.
func (p *Processor) Snapshot() types.ProcessorSnapshot {
	open := make([]types.FiberSession, 0, len(p.openFibers))
	for _, f := range p.openFibers {
		open = append(open, *f)
	}
	return types.ProcessorSnapshot{
		FiberType:     p.fiberType,
		ConfigVersion: p.configVersion,
		LogicalClock:  p.logicalClock.UnixNano(),
		OpenFibers:    open,
	}
}

// Process handles one globally-ordered record.
func (p *Processor) Process(r types.LogRecord) types.ProcessResult {
	start := time.Now()
	defer func() {
		metrics.FiberProcessingDuration.WithLabelValues(p.fiberType).Observe(time.Since(start).Seconds())
		metrics.FiberOpenCount.WithLabelValues(p.fiberType).Set(float64(len(p.openFibers)))
		metrics.FiberLogicalClock.WithLabelValues(p.fiberType).Set(float64(p.logicalClock.UnixNano()))
	}()

	if r.Timestamp.After(p.logicalClock) {
		p.logicalClock = r.Timestamp
	}

	result := types.ProcessResult{}
	result.Deltas = append(result.Deltas, p.sweepTimeouts()...)

	patterns, ok := p.patternsBySource[r.SourceID]
	if !ok {
		return result
	}

	var matched *compiledPattern
	var groups []string
	for i := range patterns {
		if m := patterns[i].regex.FindStringSubmatch(r.RawText); m != nil {
			matched = &patterns[i]
			groups = m
			break
		}
	}
	if matched == nil {
		metrics.FiberPatternMismatchTotal.WithLabelValues(p.fiberType, r.SourceID).Inc()
		return result
	}
	names := matched.regex.SubexpNames()

	extracted := make(map[string]string, len(names))
	for i, name := range names {
		if name == "" || i >= len(groups) || groups[i] == "" {
			continue
		}
		extracted[name] = groups[i]
	}

	values := make(map[string]types.AttributeValue, len(p.attributes))
	for _, attr := range p.attributes {
		var raw string
		if attr.derived != "" {
			if !attr.referencesSatisfied(values) {
				continue
			}
			raw = p.interpolate(attr.derived, values)
		} else {
			v, ok := extracted[attr.name]
			if !ok {
				continue
			}
			raw = v
		}
		val, err := coerceAttribute(attr.typ, raw)
		if err != nil {
			metrics.FiberAttributeParseFailuresTotal.WithLabelValues(p.fiberType, attr.name).Inc()
			p.logger.WithError(err).WithFields(logrus.Fields{
				"fiber_type": p.fiberType,
				"attribute":  attr.name,
			}).Warn("attribute parse failure")
			continue
		}
		values[attr.name] = val
	}

	keyValues := make(map[string]string)
	for _, attr := range p.attributes {
		if attr.isKey {
			if v, ok := values[attr.name]; ok {
				keyValues[attr.name] = v.Key()
			}
		}
	}

	for _, keyName := range matched.releaseMatchingPeerKeys {
		value, ok := keyValues[keyName]
		if !ok {
			continue
		}
		if e := p.lookupKey(keyName, value); e != nil {
			if peer, exists := p.openFibers[e.fiberID]; exists {
				delete(peer.Keys, keyName)
			}
			p.releaseKey(keyName, value)
		}
	}

	fiber, deltas, created := p.resolveFiber(keyValues, r.Timestamp)
	result.Deltas = append(result.Deltas, deltas...)

	for name, val := range values {
		if existing, ok := fiber.Attributes[name]; ok && existing != val {
			metrics.FiberAttributeConflictsTotal.WithLabelValues(p.fiberType, name).Inc()
		}
		fiber.Attributes[name] = val
	}
	for name, value := range keyValues {
		fiber.Keys[name] = value
		p.claimKey(name, value, fiber.FiberID)
	}
	fiber.LastActivity = r.Timestamp
	fiber.LogIDs = append(fiber.LogIDs, r.ID)

	result.Memberships = append(result.Memberships, types.FiberMembership{
		LogID:         r.ID,
		FiberID:       fiber.FiberID,
		ConfigVersion: p.configVersion,
	})
	kind := types.DeltaUpdated
	if created {
		kind = types.DeltaCreated
	}
	result.Deltas = append(result.Deltas, p.deltaFor(fiber, kind))

	for _, keyName := range matched.releaseSelfKeys {
		if value, ok := fiber.Keys[keyName]; ok {
			p.releaseKey(keyName, value)
		}
	}

	if matched.close {
		fiber.Closed = true
		fiber.CloseReason = types.ClosePattern
		p.releaseAllKeys(fiber)
		delete(p.openFibers, fiber.FiberID)
		metrics.FiberPatternClosesTotal.WithLabelValues(p.fiberType).Inc()
		result.Deltas = append(result.Deltas, p.deltaFor(fiber, types.DeltaClosedPattern))
	}

	metrics.FiberKeyIndexSize.WithLabelValues(p.fiberType).Set(float64(p.keyIndexLen()))
	return result
}

func (p *Processor) keyIndexLen() int {
	n := 0
	for _, entries := range p.keyIndex {
		n += len(entries)
	}
	return n
}

// resolveFiber implements the join/create/merge procedure: look up every
// extracted key in the key index, join the single fiber found, merge
// multiple distinct fibers into a deterministic survivor, or create a fresh
// fiber if none matched. created reports whether a fresh fiber was minted;
// the caller emits its Created delta once keys and attributes are installed.
func (p *Processor) resolveFiber(keyValues map[string]string, ts time.Time) (*types.FiberSession, []types.FiberDelta, bool) {
	seen := make(map[string]bool)
	var candidates []string
	for name, value := range keyValues {
		if e := p.lookupKey(name, value); e != nil {
			if !seen[e.fiberID] {
				seen[e.fiberID] = true
				candidates = append(candidates, e.fiberID)
			}
		}
	}

	if len(candidates) == 0 {
		p.fiberSeq++
		id := fmt.Sprintf("%s-%d", p.fiberType, p.fiberSeq)
		f := types.NewFiberSession(id, p.fiberType, ts)
		p.openFibers[id] = f
		return f, nil, true
	}

	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := p.openFibers[candidates[i]], p.openFibers[candidates[j]]
		if !fi.FirstActivity.Equal(fj.FirstActivity) {
			return fi.FirstActivity.Before(fj.FirstActivity)
		}
		return fi.FiberID < fj.FiberID
	})
	survivor := p.openFibers[candidates[0]]
	var deltas []types.FiberDelta
	for _, id := range candidates[1:] {
		victim := p.openFibers[id]
		if victim == nil {
			continue
		}
		p.mergeInto(survivor, victim)
		deltas = append(deltas, p.deltaFor(victim, types.DeltaMerged))
		metrics.FiberMergesTotal.WithLabelValues(p.fiberType).Inc()
	}
	return survivor, deltas, false
}

// mergeInto folds victim into survivor: survivor keeps its own attribute
// values on conflict, and every key victim held is reclaimed for survivor.
func (p *Processor) mergeInto(survivor, victim *types.FiberSession) {
	for name, value := range victim.Attributes {
		if _, exists := survivor.Attributes[name]; !exists {
			survivor.Attributes[name] = value
		}
	}
	for name, value := range victim.Keys {
		survivor.Keys[name] = value
		p.claimKey(name, value, survivor.FiberID)
	}
	survivor.LogIDs = append(survivor.LogIDs, victim.LogIDs...)
	if victim.FirstActivity.Before(survivor.FirstActivity) {
		survivor.FirstActivity = victim.FirstActivity
	}
	if victim.LastActivity.After(survivor.LastActivity) {
		survivor.LastActivity = victim.LastActivity
	}
	victim.Closed = true
	victim.CloseReason = types.CloseMergedInto
	victim.MergedInto = survivor.FiberID
	delete(p.openFibers, victim.FiberID)
}

// sweepTimeouts closes every fiber whose gap since its last (or first, for
// gap_mode "from_start") activity exceeds max_gap, measured against the
// processor's logical clock rather than wall time.
func (p *Processor) sweepTimeouts() []types.FiberDelta {
	if p.maxGap <= 0 {
		return nil
	}
	var deltas []types.FiberDelta
	for id, f := range p.openFibers {
		reference := f.LastActivity
		if p.gapMode == "from_start" {
			reference = f.FirstActivity
		}
		if p.logicalClock.Sub(reference) <= p.maxGap {
			continue
		}
		f.Closed = true
		f.CloseReason = types.CloseTimeout
		p.releaseAllKeys(f)
		delete(p.openFibers, id)
		metrics.FiberTimeoutsTotal.WithLabelValues(p.fiberType).Inc()
		deltas = append(deltas, p.deltaFor(f, types.DeltaClosedTimeout))
	}
	return deltas
}

// Drain closes every open fiber, used at a hot-reload boundary (spec §9)
// where the old processor instance must hand over a clean state.
func (p *Processor) Drain() []types.FiberDelta {
	var deltas []types.FiberDelta
	for id, f := range p.openFibers {
		f.Closed = true
		f.CloseReason = types.CloseReload
		p.releaseAllKeys(f)
		delete(p.openFibers, id)
		deltas = append(deltas, p.deltaFor(f, types.DeltaClosedReload))
	}
	return deltas
}

func (p *Processor) deltaFor(f *types.FiberSession, kind types.FiberDeltaKind) types.FiberDelta {
	keys := make(map[string]string, len(f.Keys))
	for k, v := range f.Keys {
		keys[k] = v
	}
	attrs := make(map[string]types.AttributeValue, len(f.Attributes))
	for k, v := range f.Attributes {
		attrs[k] = v
	}
	return types.FiberDelta{
		Kind:          kind,
		FiberID:       f.FiberID,
		FiberType:     f.FiberType,
		ConfigVersion: p.configVersion,
		Keys:          keys,
		Attributes:    attrs,
		FirstActivity: f.FirstActivity,
		LastActivity:  f.LastActivity,
		Closed:        f.Closed,
		MergedInto:    f.MergedInto,
	}
}

// interpolate substitutes ${name} references in a derived-attribute
// template with the string form of already-computed attribute values.
func (p *Processor) interpolate(template string, values map[string]types.AttributeValue) string {
	return derivedRefPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := derivedRefPattern.FindStringSubmatch(match)[1]
		if v, ok := values[name]; ok {
			return v.Key()
		}
		return ""
	})
}

func coerceAttribute(typ types.AttributeType, raw string) (types.AttributeValue, error) {
	switch typ {
	case types.AttrInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return types.AttributeValue{}, fmt.Errorf("not an integer: %q", raw)
		}
		return types.IntAttr(v), nil
	case types.AttrFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return types.AttributeValue{}, fmt.Errorf("not a float: %q", raw)
		}
		return types.FloatAttr(v), nil
	case types.AttrIP:
		ip := net.ParseIP(raw)
		if ip == nil {
			return types.AttributeValue{}, fmt.Errorf("not an IP address: %q", raw)
		}
		return types.IPAttr(ip.String()), nil
	case types.AttrMAC:
		if !macPattern.MatchString(raw) {
			return types.AttributeValue{}, fmt.Errorf("not a MAC address: %q", raw)
		}
		return types.MACAttr(strings.ToLower(raw)), nil
	default:
		return types.StringAttr(raw), nil
	}
}
