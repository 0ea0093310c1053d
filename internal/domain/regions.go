package domain

// RegionSeed is one entry of the fixed health-region reference list.
type RegionSeed struct {
	Code string
	Name string
}

// DefaultRegionCode is the region assigned when a row names no known region.
const DefaultRegionCode = "06"

// QuebecRegions returns the 18 Québec health and social services regions (RSS).
func QuebecRegions() []RegionSeed {
	return []RegionSeed{
		{Code: "01", Name: "Bas-Saint-Laurent"},
		{Code: "02", Name: "Saguenay-Lac-Saint-Jean"},
		{Code: "03", Name: "Capitale-Nationale"},
		{Code: "04", Name: "Mauricie et Centre-du-Québec"},
		{Code: "05", Name: "Estrie"},
		{Code: "06", Name: "Montréal"},
		{Code: "07", Name: "Outaouais"},
		{Code: "08", Name: "Abitibi-Témiscamingue"},
		{Code: "09", Name: "Côte-Nord"},
		{Code: "10", Name: "Nord-du-Québec"},
		{Code: "11", Name: "Gaspésie-Îles-de-la-Madeleine"},
		{Code: "12", Name: "Chaudière-Appalaches"},
		{Code: "13", Name: "Laval"},
		{Code: "14", Name: "Lanaudière"},
		{Code: "15", Name: "Laurentides"},
		{Code: "16", Name: "Montérégie"},
		{Code: "17", Name: "Nunavik"},
		{Code: "18", Name: "Terres-Cries-de-la-Baie-James"},
	}
}
