package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ithrive/reconcile/internal/domain/normalize"
	"github.com/ithrive/reconcile/internal/domain/site"
	"github.com/ithrive/reconcile/internal/platform/warehouse"
)

// Stats counts what a Context did.
type Stats struct {
	Created  map[string]int
	Stored   int
	Warnings int
	Skipped  int
}

// Context is the entity cache of one site. It is not safe for concurrent
// use.
type Context struct {
	site    *site.Site
	dataSet *warehouse.Item
	log     zerolog.Logger

	patients  cache
	referrals cache
	contacts  cache

	// Append-only entities waiting for the next flush.
	appended     []*entity
	observations []*entity

	owners    map[string]string // referral id -> patient id
	ages      map[string]string // patient id -> age
	outOfArea map[string]bool

	loc   Location
	stats Stats
}

// NewContext returns an empty cache for s. Patients reference dataSet.
func NewContext(s *site.Site, dataSet *warehouse.Item, log zerolog.Logger) *Context {
	return &Context{
		site:      s,
		dataSet:   dataSet,
		log:       log.With().Str("site", s.Name).Logger(),
		patients:  newCache(),
		referrals: newCache(),
		contacts:  newCache(),
		owners:    make(map[string]string),
		ages:      make(map[string]string),
		outOfArea: make(map[string]bool),
		stats:     Stats{Created: make(map[string]int)},
	}
}

// Locate sets the row that subsequent calls are attributed to.
func (c *Context) Locate(file string, row int) {
	c.loc = Location{File: file, Row: row}
}

// Stats returns a snapshot of the counters.
func (c *Context) Stats() Stats {
	s := c.stats
	s.Created = make(map[string]int, len(c.stats.Created))
	for k, v := range c.stats.Created {
		s.Created[k] = v
	}
	return s
}

func (c *Context) warn(loc Location, key, msg string) {
	c.stats.Warnings++
	c.log.Warn().
		Str("file", loc.File).
		Int("row", loc.Row).
		Str("key", key).
		Msg(msg)
}

func (c *Context) newEntity(typ, patientID, referralID string) *entity {
	c.stats.Created[typ]++
	return &entity{
		item:       warehouse.NewItem(typ),
		patientID:  patientID,
		referralID: referralID,
		origin:     c.loc,
		dirty:      true,
	}
}

// UpsertPatient creates the patient or fills its absent attributes.
func (c *Context) UpsertPatient(patientID, ethnicity, gender, siteName string) *warehouse.Item {
	attrs := map[string]string{"ethnicity": ethnicity, "gender": gender, "site": siteName}
	if e := c.patients.get(patientID); e != nil {
		if e.fill(nonEmpty(attrs)) {
			e.dirty = true
		}
		return e.item
	}

	e := c.newEntity(TypePatient, patientID, "")
	e.item.Set("identifier", patientID)
	for name, v := range attrs {
		e.item.Set(name, v)
	}
	e.item.SetReference("dataSet", c.dataSet)
	c.patients.add(patientID, e)
	return e.item
}

// Patient returns a cached patient.
func (c *Context) Patient(patientID string) (*warehouse.Item, bool) {
	if e := c.patients.get(patientID); e != nil {
		return e.item, true
	}
	return nil, false
}

// RememberOwner records the patient a referral belongs to. The first owner
// seen wins.
func (c *Context) RememberOwner(referralID, patientID string) {
	if referralID == "" || patientID == "" {
		return
	}
	if _, ok := c.owners[referralID]; !ok {
		c.owners[referralID] = patientID
	}
}

// Owner returns the patient recorded for a referral.
func (c *Context) Owner(referralID string) (string, bool) {
	p, ok := c.owners[referralID]
	return p, ok
}

// RememberAge records a patient age for referrals read later. The first
// age seen wins.
func (c *Context) RememberAge(patientID, age string) {
	if patientID == "" || age == "" {
		return
	}
	if _, ok := c.ages[patientID]; !ok {
		c.ages[patientID] = age
	}
}

// UpsertReferral merges fields into the referral keyed by patientID and
// referralID. With FillAbsentOnly an unknown referral is reported and nil is
// returned.
func (c *Context) UpsertReferral(patientID, referralID string, fields Fields, phase MergePhase) *warehouse.Item {
	if patientID == "" || referralID == "" {
		c.warn(c.loc, patRefID(patientID, referralID), "referral without patient or referral id")
		return nil
	}
	key := patRefID(patientID, referralID)
	attrs := fields.pick(referralAttrs)
	if _, ok := attrs["patientAge"]; !ok {
		if age, known := c.ages[patientID]; known {
			attrs["patientAge"] = age
		}
	}

	e := c.referrals.get(key)
	if e == nil {
		if phase == FillAbsentOnly {
			c.warn(c.loc, key, "unknown referral")
			return nil
		}
		e = c.newEntity(TypeReferral, patientID, referralID)
		e.item.Set("identifier", referralID)
		for name, v := range attrs {
			e.item.Set(name, v)
		}
		if p := c.patients.get(patientID); p != nil {
			e.item.SetReference("patient", p.item)
		}
		c.referrals.add(key, e)
		c.RememberOwner(referralID, patientID)
		return e.item
	}

	changed := false
	if phase == Overwrite {
		changed = e.overwrite(attrs)
	} else {
		changed = e.fill(attrs)
	}
	if changed {
		e.dirty = true
	}
	return e.item
}

// Referral returns a cached referral.
func (c *Context) Referral(patientID, referralID string) (*warehouse.Item, bool) {
	if e := c.referrals.get(patRefID(patientID, referralID)); e != nil {
		return e.item, true
	}
	return nil, false
}

func (c *Context) resolvePatient(patientID, referralID string) string {
	if patientID != "" {
		return patientID
	}
	return c.owners[referralID]
}

// UpsertContact keeps one contact per referral. A blank patientID is
// resolved through the referral owner table. An existing contact only has
// its absent attributes filled.
func (c *Context) UpsertContact(patientID, referralID string, fields Fields) *warehouse.Item {
	patientID = c.resolvePatient(patientID, referralID)
	key := patRefID(patientID, referralID)
	attrs := fields.pick(contactAttrs)

	if e := c.contacts.get(key); e != nil {
		if e.fill(attrs) {
			e.dirty = true
		}
		return e.item
	}

	e := c.contactEntity(patientID, referralID, attrs)
	c.contacts.add(key, e)
	return e.item
}

// AppendContact records one contact event without deduplication.
func (c *Context) AppendContact(patientID, referralID string, fields Fields) *warehouse.Item {
	patientID = c.resolvePatient(patientID, referralID)
	e := c.contactEntity(patientID, referralID, fields.pick(contactAttrs))
	c.appended = append(c.appended, e)
	return e.item
}

func (c *Context) contactEntity(patientID, referralID string, attrs map[string]string) *entity {
	e := c.newEntity(TypeContact, patientID, referralID)
	for name, v := range attrs {
		e.item.Set(name, v)
	}
	c.link(e)
	return e
}

// AppendObservation records a Diagnostic, AdditionalData,
// CumulativeContactData or ClinicalOutcome entity.
func (c *Context) AppendObservation(typ, patientID, referralID string, attrs map[string]string) *warehouse.Item {
	patientID = c.resolvePatient(patientID, referralID)
	e := c.newEntity(typ, patientID, referralID)
	for name, v := range attrs {
		e.item.Set(name, v)
	}
	c.link(e)
	c.observations = append(c.observations, e)
	return e.item
}

// link sets the patient and referral references that are still unset and
// can be resolved from the cache. It reports whether anything changed.
func (c *Context) link(e *entity) bool {
	changed := false
	if e.patientID == "" && e.referralID != "" {
		e.patientID = c.owners[e.referralID]
	}
	if _, ok := e.item.Reference("patient"); !ok {
		if p := c.patients.get(e.patientID); p != nil {
			e.item.SetReference("patient", p.item)
			changed = true
		}
	}
	if e.item.Type != TypeReferral && e.referralID != "" {
		if _, ok := e.item.Reference("referral"); !ok {
			if r := c.referrals.get(patRefID(e.patientID, e.referralID)); r != nil {
				e.item.SetReference("referral", r.item)
				changed = true
			}
		}
	}
	return changed
}

// relink runs the link pass over e and reports references that stay
// unresolved, once per entity.
func (c *Context) relink(e *entity) {
	if c.link(e) {
		e.dirty = true
	}
	if e.warned {
		return
	}
	_, hasPatient := e.item.Reference("patient")
	_, hasReferral := e.item.Reference("referral")
	switch {
	case !hasPatient:
		e.warned = true
		c.warn(e.origin, e.patientID, fmt.Sprintf("%s without a known patient", e.item.Type))
	case e.item.Type != TypeReferral && e.referralID != "" && !hasReferral:
		e.warned = true
		c.warn(e.origin, patRefID(e.patientID, e.referralID), fmt.Sprintf("%s references an unknown referral", e.item.Type))
	}
}

// Apply drives the entity actions of schema for one normalized row.
func (c *Context) Apply(schema *site.Schema, rec *normalize.Record) {
	fields := Fields(rec.Values)
	rid := fields[site.ReferralID]
	pid := c.resolvePatient(fields[site.PatientID], rid)

	if schema.RequirePatient {
		if _, ok := c.Patient(pid); !ok {
			c.stats.Skipped++
			c.warn(c.loc, pid, "row for unknown patient skipped")
			return
		}
	}

	if schema.Patient && pid != "" {
		siteName := fields[site.PatientSite]
		if siteName == "" {
			siteName = c.site.Name
		}
		c.UpsertPatient(pid, fields[site.Ethnicity], fields[site.Gender], siteName)
		c.checkLocality(pid, fields[site.Locality])
	}

	if phase, ok := PhaseFor(schema.Referral); ok {
		c.UpsertReferral(pid, rid, fields, phase)
	} else if age := fields[site.Age]; age != "" && schema.Patient {
		c.RememberAge(pid, age)
	}
	c.RememberOwner(rid, pid)

	switch schema.Contact {
	case site.ContactKeyed:
		if rid != "" && fields.any(contactAttrs) {
			c.UpsertContact(pid, rid, fields)
		}
	case site.ContactAppend:
		if fields.any(contactAttrs) {
			c.AppendContact(pid, rid, fields)
		}
	}
	slots := rec.Contacts()
	for slot, ok := slots.Next(); ok; slot, ok = slots.Next() {
		c.AppendContact(pid, rid, Fields(slot))
	}

	for _, obs := range rec.Observations {
		c.AppendObservation(string(obs.Class), pid, rid, observationAttrs(obs, fields))
	}
	if len(rec.Outcome) > 0 {
		attrs := make(map[string]string, len(rec.Outcome))
		for _, a := range rec.Outcome {
			attrs[a.Name] = a.Value
		}
		c.AppendObservation(TypeClinicalOutcome, pid, rid, attrs)
	}
}

func observationAttrs(obs normalize.Observation, fields Fields) map[string]string {
	if obs.Class != site.Diagnostic {
		return map[string]string{"name": obs.Name, "value": obs.Value}
	}
	date := obs.Date
	if date == "" {
		date = fields[site.ObservationDate]
	}
	return map[string]string{
		"observation":    obs.Name,
		"value":          obs.Value,
		"assessmentDate": date,
		"measure":        fields[site.Measure],
		"measureType":    fields[site.MeasureType],
	}
}

// checkLocality reports patients outside the localities the site serves,
// once per patient.
func (c *Context) checkLocality(patientID, locality string) {
	if locality == "" || c.site.AllowsLocality(locality) || c.outOfArea[patientID] {
		return
	}
	c.outOfArea[patientID] = true
	c.warn(c.loc, patientID, fmt.Sprintf("patient outside site area: %s", locality))
}

// Flush links unresolved references and stores every new or changed entity:
// patients, then referrals, then contacts, then observations, each in
// first-seen order. Append-only entities are dropped from the cache once
// stored.
func (c *Context) Flush(ctx context.Context, store warehouse.Store) error {
	for _, e := range c.referrals.order {
		c.relink(e)
	}
	for _, group := range [][]*entity{c.contacts.order, c.appended, c.observations} {
		for _, e := range group {
			c.relink(e)
		}
	}

	for _, group := range [][]*entity{c.patients.order, c.referrals.order, c.contacts.order, c.appended, c.observations} {
		for _, e := range group {
			if !e.dirty {
				continue
			}
			if err := store.Store(ctx, e.item); err != nil {
				return fmt.Errorf("flush %s: %w", c.site.Name, err)
			}
			e.dirty = false
			c.stats.Stored++
		}
	}
	c.appended = nil
	c.observations = nil

	if err := warehouse.Checkpoint(ctx, store); err != nil {
		return fmt.Errorf("flush %s: %w", c.site.Name, err)
	}
	return nil
}

// Len returns the number of cached patients, referrals and keyed contacts.
func (c *Context) Len() (patients, referrals, contacts int) {
	return c.patients.len(), c.referrals.len(), c.contacts.len()
}

func nonEmpty(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
