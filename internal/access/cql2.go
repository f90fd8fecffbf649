package access

import (
	"log/slog"

	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/opr"
)

// FilterLangCQL2JSON is the filter-lang of every filter built here.
const FilterLangCQL2JSON = "cql2-json"

func property(name string) map[string]any {
	return map[string]any{"property": name}
}

func op(name string, args ...any) map[string]any {
	return map[string]any{"op": name, "args": args}
}

// FlightTerm matches the items of one flight.
func FlightTerm(date string, segment int) map[string]any {
	return op("and",
		op("=", property(catalog.PropDate), date),
		op("=", property(catalog.PropSegment), segment),
	)
}

// FlightFilter builds a CQL2-JSON filter matching any of the flight ids.
// Malformed ids are logged and left out; nil is returned when none remain.
func FlightFilter(ids []string, logger *slog.Logger) map[string]any {
	var terms []any
	for _, id := range ids {
		date, segment, err := opr.ParseFlightID(id)
		if err != nil {
			logger.Warn("skipping malformed flight id",
				slog.String("flight_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		terms = append(terms, FlightTerm(date, segment))
	}
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0].(map[string]any)
	default:
		return op("or", terms...)
	}
}
