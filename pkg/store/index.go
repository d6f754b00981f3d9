package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/jmylchreest/triage/pkg/findings"
	bolt "go.etcd.io/bbolt"
)

// IndexStatus reports whether the search index can serve queries.
type IndexStatus string

const (
	IndexReady     IndexStatus = "ready"
	IndexResyncing IndexStatus = "resyncing"
	IndexStale     IndexStatus = "stale"
)

var errSearchClosed = errors.New("search index is closed")

// Indexed field names.
const (
	fieldType        = "type"
	fieldStatus      = "status"
	fieldResolution  = "resolution"
	fieldSeverity    = "severity"
	fieldProject     = "project"
	fieldBranch      = "branch"
	fieldFile        = "file"
	fieldRule        = "rule"
	fieldSecCategory = "secCategory"
	fieldAssignee    = "assignee"
	fieldStandards   = "standards"
	fieldProbRank    = "probRank"
	fieldLine        = "line"
	fieldNewCodeRef  = "newCodeReference"
	fieldCreatedAt   = "createdAt"
)

var keywordFields = []string{
	fieldType, fieldStatus, fieldResolution, fieldSeverity, fieldProject, fieldBranch,
	fieldFile, fieldRule, fieldSecCategory, fieldAssignee, fieldStandards,
}

func buildIndexMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()

	for _, name := range keywordFields {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = keyword.Name
		f.Store = false
		doc.AddFieldMappingsAt(name, f)
	}

	for _, name := range []string{fieldProbRank, fieldLine} {
		f := bleve.NewNumericFieldMapping()
		f.Store = false
		doc.AddFieldMappingsAt(name, f)
	}

	newCode := bleve.NewBooleanFieldMapping()
	newCode.Store = false
	doc.AddFieldMappingsAt(fieldNewCodeRef, newCode)

	created := bleve.NewDateTimeFieldMapping()
	created.Store = false
	doc.AddFieldMappingsAt(fieldCreatedAt, created)

	doc.Dynamic = false
	indexMapping.AddDocumentMapping("finding", doc)
	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = keyword.Name
	return indexMapping, nil
}

func searchDoc(f *findings.Finding) map[string]any {
	var standards []string
	for _, t := range findings.Taxonomies {
		for _, code := range f.Codes(t) {
			standards = append(standards, findings.Tag(t, code))
		}
	}
	return map[string]any{
		fieldType:        string(f.Type),
		fieldStatus:      string(f.Status),
		fieldResolution:  string(f.Resolution),
		fieldSeverity:    string(f.Severity),
		fieldProject:     f.ProjectKey,
		fieldBranch:      f.BranchID,
		fieldFile:        f.FilePath,
		fieldRule:        f.RuleKey,
		fieldSecCategory: f.SecurityCategory,
		fieldAssignee:    f.Assignee,
		fieldStandards:   standards,
		fieldProbRank:    float64(findings.ProbabilityRank(f.VulnerabilityProbability)),
		fieldLine:        float64(f.Line()),
		fieldNewCodeRef:  f.NewCodeReference,
		fieldCreatedAt:   f.CreatedAt,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *Store) openIndex(ctx context.Context) error {
	if s.memIndex {
		return s.rebuildIndex(ctx)
	}

	m, err := buildIndexMapping()
	if err != nil {
		return err
	}
	hash := MappingHash(m)
	stored, _ := s.GetMeta(metaMappingHash)
	status, _ := s.GetMeta(metaIndexStatus)

	if _, statErr := os.Stat(s.searchPath); os.IsNotExist(statErr) {
		return s.rebuildIndex(ctx)
	}
	index, err := bleve.Open(s.searchPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.searchPath).Msg("search index corrupted, rebuilding")
		return s.rebuildIndex(ctx)
	}
	s.search = index

	switch {
	case stored != hash:
		if stored != "" {
			s.logger.Info().Msg("search mapping changed, rebuilding index")
		}
		return s.rebuildIndex(ctx)
	case IndexStatus(status) == IndexResyncing:
		s.logger.Info().Msg("previous resync did not complete, rebuilding index")
		return s.rebuildIndex(ctx)
	}
	return nil
}

// IndexStatus returns the recorded status of the search index.
func (s *Store) IndexStatus(ctx context.Context) (IndexStatus, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	v, err := s.GetMeta(metaIndexStatus)
	if errors.Is(err, ErrNotFound) {
		return IndexStale, nil
	}
	if err != nil {
		return "", err
	}
	return IndexStatus(v), nil
}

// Reindex rebuilds the search index from bbolt. The index reports resyncing
// until the rebuild completes.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if err := s.rebuildIndex(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.search == nil {
		return 0, errSearchClosed
	}
	n, err := s.search.DocCount()
	return int(n), err
}

func (s *Store) rebuildIndex(ctx context.Context) error {
	if err := s.SetMeta(metaIndexStatus, string(IndexResyncing)); err != nil {
		return err
	}
	m, err := buildIndexMapping()
	if err != nil {
		return err
	}

	start := time.Now()
	count, failures, err := s.swapIndex(ctx, m)
	if err != nil {
		return err
	}
	if err := s.SetMeta(metaMappingHash, MappingHash(m)); err != nil {
		return err
	}
	s.logger.Info().Int("findings", count).Dur("took", time.Since(start)).Msg("search index rebuilt")
	return s.markReady(failures)
}

// swapIndex builds a fresh index from a bbolt snapshot and installs it. s.mu
// is held throughout, so mirror writes committed after the snapshot wait and
// land in the fresh index. It returns the mirror failure count observed at
// the snapshot.
func (s *Store) swapIndex(ctx context.Context, m mapping.IndexMapping) (int, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	failures := s.mirrorFailures.Load()

	var fresh bleve.Index
	var err error
	tmpPath := s.searchPath + ".tmp"
	if s.memIndex {
		fresh, err = bleve.NewMemOnly(m)
	} else {
		if err := os.RemoveAll(tmpPath); err != nil {
			return 0, 0, fmt.Errorf("failed to clear temporary index: %w", err)
		}
		fresh, err = bleve.New(tmpPath, m)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create search index: %w", err)
	}

	count := 0
	batch := fresh.NewBatch()
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketFindings).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := checkCtx(ctx); err != nil {
				return err
			}
			var f findings.Finding
			if err := json.Unmarshal(v, &f); err != nil {
				s.logger.Warn().Err(err).Str("key", string(k)).Msg("skipping unreadable finding")
				continue
			}
			if err := batch.Index(f.Key, searchDoc(&f)); err != nil {
				return err
			}
			count++
			if batch.Size() >= 500 {
				if err := fresh.Batch(batch); err != nil {
					return err
				}
				batch.Reset()
			}
		}
		return fresh.Batch(batch)
	})
	if err != nil {
		fresh.Close()
		return 0, 0, fmt.Errorf("failed to rebuild search index: %w", err)
	}

	if s.search != nil {
		s.search.Close()
		s.search = nil
	}
	if !s.memIndex {
		if err := fresh.Close(); err != nil {
			return 0, 0, err
		}
		if err := os.RemoveAll(s.searchPath); err != nil {
			return 0, 0, fmt.Errorf("failed to remove old search index: %w", err)
		}
		if err := os.Rename(tmpPath, s.searchPath); err != nil {
			return 0, 0, fmt.Errorf("failed to install rebuilt search index: %w", err)
		}
		fresh, err = bleve.Open(s.searchPath)
		if err != nil {
			return 0, 0, err
		}
	}
	s.search = fresh
	return count, failures, nil
}

// markReady records the index as ready unless a mirror write failed since
// the rebuild snapshot, in which case the index stays stale. The check and
// the write share one bbolt transaction, which serializes them with the
// stale mark written by mirror.
func (s *Store) markReady(failures uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		status := IndexReady
		if s.mirrorFailures.Load() != failures {
			status = IndexStale
			s.logger.Warn().Msg("search index write failed during rebuild, index stays stale")
		}
		return tx.Bucket(BucketMeta).Put([]byte(metaIndexStatus), []byte(status))
	})
}

// mirror applies an index write after the bbolt transaction committed. A
// failure leaves the index behind the store, which is recorded as stale.
func (s *Store) mirror(f *findings.Finding) {
	s.mu.RLock()
	err := errSearchClosed
	if s.search != nil {
		err = s.search.Index(f.Key, searchDoc(f))
	}
	s.mu.RUnlock()

	if err == nil {
		return
	}
	s.mirrorFailures.Add(1)
	s.logger.Warn().Err(err).Str("key", f.Key).Msg("search index write failed, marking index stale")
	if metaErr := s.SetMeta(metaIndexStatus, string(IndexStale)); metaErr != nil {
		s.logger.Error().Err(metaErr).Msg("failed to record index status")
	}
}

// =============================================================================
// Queries
// =============================================================================

// IndexQuery is a faceted search against the index.
type IndexQuery struct {
	Filter
	// Hotspots selects the hotspot sort order.
	Hotspots bool
	From     int
	Size     int
}

// IndexResult lists matching keys in sort order and the full match count.
type IndexResult struct {
	Keys  []string
	Total int
}

// Search runs q against the index.
func (s *Store) Search(ctx context.Context, q IndexQuery) (IndexResult, error) {
	if err := checkCtx(ctx); err != nil {
		return IndexResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.search == nil {
		return IndexResult{}, errSearchClosed
	}

	req := bleve.NewSearchRequestOptions(buildQuery(q.Filter), q.Size, q.From, false)
	req.SortByCustom(sortOrder(q.Hotspots))
	res, err := s.search.SearchInContext(ctx, req)
	if err != nil {
		return IndexResult{}, fmt.Errorf("search failed: %w", err)
	}

	out := IndexResult{Total: int(res.Total), Keys: make([]string, 0, len(res.Hits))}
	for _, hit := range res.Hits {
		out.Keys = append(out.Keys, hit.ID)
	}
	return out, nil
}

func sortOrder(hotspots bool) search.SortOrder {
	str := func(field string) search.SearchSort {
		return &search.SortField{Field: field, Type: search.SortFieldAsString, Missing: search.SortFieldMissingFirst}
	}
	issue := search.SortOrder{
		str(fieldProject),
		str(fieldFile),
		&search.SortField{Field: fieldLine, Type: search.SortFieldAsNumber},
		&search.SortDocID{},
	}
	if !hotspots {
		return issue
	}
	return append(search.SortOrder{
		&search.SortField{Field: fieldProbRank, Type: search.SortFieldAsNumber, Desc: true},
		str(fieldSecCategory),
		str(fieldRule),
	}, issue...)
}

func buildQuery(f Filter) query.Query {
	var must []query.Query

	if len(f.Keys) > 0 {
		must = append(must, bleve.NewDocIDQuery(f.Keys))
	}
	if q := anyTerm(fieldType, stringsOf(f.Types)); q != nil {
		must = append(must, q)
	}
	if q := anyTerm(fieldStatus, stringsOf(f.Statuses)); q != nil {
		must = append(must, q)
	}
	if q := anyTerm(fieldResolution, stringsOf(f.Resolutions)); q != nil {
		must = append(must, q)
	}
	if q := anyTerm(fieldProject, f.ProjectKeys); q != nil {
		must = append(must, q)
	}
	if q := anyTerm(fieldBranch, f.BranchIDs); q != nil {
		must = append(must, q)
	}
	if f.Assignee != "" {
		must = append(must, term(fieldAssignee, f.Assignee))
	}
	if len(f.Files) > 0 {
		var qs []query.Query
		for _, p := range f.Files {
			qs = append(qs, fileQuery(p))
		}
		must = append(must, disjunction(qs))
	}
	for _, t := range findings.Taxonomies {
		codes, ok := f.Standards[t]
		if !ok {
			continue
		}
		if len(codes) == 0 {
			must = append(must, bleve.NewMatchNoneQuery())
			continue
		}
		tags := make([]string, len(codes))
		for i, c := range codes {
			tags[i] = findings.Tag(t, c)
		}
		must = append(must, anyTerm(fieldStandards, tags))
	}
	if f.NewCode != nil {
		must = append(must, newCodeQuery(f.NewCode))
	}

	switch len(must) {
	case 0:
		return bleve.NewMatchAllQuery()
	case 1:
		return must[0]
	default:
		return bleve.NewConjunctionQuery(must...)
	}
}

func newCodeQuery(nc *NewCodeFilter) query.Query {
	if !nc.application() {
		if nc.ReferenceBranch {
			return newCodeRef()
		}
		return since(nc.Since)
	}
	var alts []query.Query
	for _, p := range nc.ReferenceProjects {
		alts = append(alts, bleve.NewConjunctionQuery(term(fieldProject, p), newCodeRef()))
	}
	for p, start := range nc.PeriodStarts {
		alts = append(alts, bleve.NewConjunctionQuery(term(fieldProject, p), since(start)))
	}
	if len(alts) == 0 {
		return bleve.NewMatchNoneQuery()
	}
	return disjunction(alts)
}

func newCodeRef() query.Query {
	q := bleve.NewBoolFieldQuery(true)
	q.SetField(fieldNewCodeRef)
	return q
}

func since(t time.Time) query.Query {
	inclusive := true
	q := bleve.NewDateRangeInclusiveQuery(t, time.Time{}, &inclusive, nil)
	q.SetField(fieldCreatedAt)
	return q
}

func term(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

func anyTerm(field string, values []string) query.Query {
	if len(values) == 0 {
		return nil
	}
	qs := make([]query.Query, len(values))
	for i, v := range values {
		qs[i] = term(field, v)
	}
	return disjunction(qs)
}

func disjunction(qs []query.Query) query.Query {
	if len(qs) == 1 {
		return qs[0]
	}
	return bleve.NewDisjunctionQuery(qs...)
}

func fileQuery(pattern string) query.Query {
	if !strings.ContainsAny(pattern, `*?[{\`) {
		return term(fieldFile, pattern)
	}
	q := bleve.NewRegexpQuery(globRegexp(pattern))
	q.SetField(fieldFile)
	return q
}

// globRegexp translates a doublestar pattern into an equivalent regular
// expression matched against whole terms.
func globRegexp(pattern string) string {
	var b strings.Builder
	rs := []rune(pattern)
	braces := 0
	for i := 0; i < len(rs); i++ {
		switch c := rs[i]; c {
		case '*':
			if i+1 < len(rs) && rs[i+1] == '*' {
				i++
				if i+1 < len(rs) && rs[i+1] == '/' {
					i++
					b.WriteString("(.*/)?")
				} else {
					b.WriteString(".*")
				}
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '{':
			braces++
			b.WriteByte('(')
		case '}':
			if braces > 0 {
				braces--
				b.WriteByte(')')
			} else {
				b.WriteString(`\}`)
			}
		case ',':
			if braces > 0 {
				b.WriteByte('|')
			} else {
				b.WriteByte(',')
			}
		case '[':
			j := i + 1
			for j < len(rs) && rs[j] != ']' {
				j++
			}
			if j == len(rs) {
				b.WriteString(`\[`)
				continue
			}
			class := string(rs[i+1 : j])
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i = j
		case '\\':
			if i+1 < len(rs) {
				i++
				b.WriteString(regexp.QuoteMeta(string(rs[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

func stringsOf[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}
