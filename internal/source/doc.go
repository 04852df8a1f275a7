// Package source holds the configured data sources and the extractors that
// turn their pages into candidate records. JSON APIs are mapped with dotted
// paths and HTML listings with goquery selectors.
package source
