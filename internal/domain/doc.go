// Package domain models the hourly emergency-room occupancy feed published by
// the Québec health ministry (MSSS) and the pure transformations applied to it
// before anything touches the registry.
//
// # Data Source
//
// The feed is a delimited text file ("Relevé horaire des urgences") with one
// row per emergency room. It is fetched by an external collaborator; this
// package only sees the decoded rows. Column headers are French and vary
// slightly between releases, so they are renamed through a synonym table
// (see [DefaultCoercerConfig]) before any field is read.
//
// # Feed Conventions
//
// Encoding:
//
//	The file is sometimes UTF-8, sometimes Windows-1252, and sometimes UTF-8
//	that was decoded as Windows-1252 upstream and re-encoded ("HÃ´pital").
//	[Repair] undoes the last case; byte-level decoding lives in package feed.
//
// Numbers:
//
//	Counts and percentages may use a comma decimal separator ("7,5") and
//	narrow or non-breaking spaces as thousands separators. Unparsable values
//	are coerced to 0; absence of a measurement is read as "no load".
//
// Durations:
//
//	Average stay columns (DMS_*) are either "H:MM" ("2:30" = 2.5 hours) or a
//	decimal number of hours ("2,5"). Values are stored as fractional hours.
//
// Identity:
//
//	Only some rows carry a licence number (No_permis_installation). Everything
//	else is identified by name, so names are reduced to search keys with
//	[NormalizeKey]: lower-case, diacritics folded, punctuation replaced by
//	single spaces. "Hôpital Général de Montréal" becomes
//	"hopital general de montreal".
//
// Occupancy:
//
//	occupied / functional * 100 when functional > 0, otherwise exactly 0.
//	See [OccupancyRate].
//
// # Source Identifiers
//
// Rows without a source id get a synthetic one, URG-{permit}-{YYYYMMDD},
// stamped with the run date from the package clock so reruns on the same day
// produce the same id.
package domain
