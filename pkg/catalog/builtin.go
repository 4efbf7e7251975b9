package catalog

import (
	"fmt"
	"sync"
)

// ZINC15 2D tranche axes used by the drug-like subsets. The first letter
// encodes a molecular weight bin, the second a logP bin, the third a
// reactivity level, and the fourth a purchasability level.
var (
	zincMWTBins          = []string{"B", "C", "D", "E", "F", "G", "H", "I", "J", "K"}
	zincLogPBins         = []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K"}
	zincReactivityLevels = []string{"A", "B", "C", "E"}
)

// zincDruglikeTrancheURLs expands the drug-like tranche grid into download
// URLs for a given purchasability level.
func zincDruglikeTrancheURLs(purchasability string) []string {
	urls := make([]string, 0, len(zincMWTBins)*len(zincLogPBins)*len(zincReactivityLevels))
	for _, mwt := range zincMWTBins {
		for _, logp := range zincLogPBins {
			for _, reactive := range zincReactivityLevels {
				urls = append(urls, fmt.Sprintf(
					"https://files.docking.org/2D/%s%s/%s%s%s%s.txt",
					mwt, logp, mwt, logp, reactive, purchasability))
			}
		}
	}
	return urls
}

func zincTrancheDataset(id, label, purchasability string, extraTags ...string) *Dataset {
	tags := append([]string{"zinc", "tranche", "multi_tranche", "drug_like"}, extraTags...)
	tags = append(tags, "small_molecules")
	return &Dataset{
		ID:   id,
		Name: fmt.Sprintf("ZINC15 Drug-Like %s (2D, Multi-Tranche)", label),
		Description: fmt.Sprintf(
			"Multi-tranche drug-like subset from ZINC15 across MW bins B-K and logP bins A-K "+
				"with up-to-standard reactivity (A/B/C/E) and %s purchasability.", label),
		Source:      "ZINC tranche download (multi-tranche)",
		Homepage:    "https://zinc.docking.org/tranches/home/",
		LicenseName: "Upstream ZINC terms",
		LicenseURL:  "https://zinc.docking.org/terms/",
		URLs:        zincDruglikeTrancheURLs(purchasability),
		Format:      FormatTSV,
		Category:    "compound_library",
		URLMode:     URLModeConcat,
		Tags:        tags,
	}
}

func moleculeNetDataset(id, name, description, url, category string, tags ...string) *Dataset {
	return &Dataset{
		ID:          id,
		Name:        name,
		Description: description,
		Source:      "MoleculeNet/DeepChem",
		Homepage:    "https://moleculenet.org/datasets-1",
		LicenseName: "Dataset-specific upstream terms",
		LicenseURL:  "https://moleculenet.org/",
		URLs:        []string{url},
		Format:      FormatCSV,
		Category:    category,
		Tags:        tags,
	}
}

func chemblDataset(id, name, description, endpoint, itemsPath, category string, params map[string]string, maxPages, maxRows int, tags ...string) *Dataset {
	return &Dataset{
		ID:          id,
		Name:        name,
		Description: description,
		Source:      "ChEMBL REST API",
		Homepage:    "https://www.ebi.ac.uk/chembl/",
		LicenseName: "ChEMBL data terms",
		LicenseURL:  "https://www.ebi.ac.uk/chembl/ws",
		Format:      FormatJSONL,
		Category:    category,
		API: &APIConfig{
			Endpoint:      endpoint,
			Params:        params,
			Pagination:    PaginationChembl,
			ItemsPath:     itemsPath,
			PageSizeParam: "limit",
			PageSize:      1000,
			MaxPages:      maxPages,
			MaxRows:       maxRows,
		},
		Tags: tags,
	}
}

func uniprotDataset(id, name, description, query, category string, maxPages, maxRows int, tags ...string) *Dataset {
	return &Dataset{
		ID:          id,
		Name:        name,
		Description: description,
		Source:      "UniProt REST API",
		Homepage:    "https://www.uniprot.org/help/api_queries",
		LicenseName: "UniProt terms",
		LicenseURL:  "https://www.uniprot.org/help/license",
		Format:      FormatJSONL,
		Category:    category,
		API: &APIConfig{
			Endpoint:      "https://rest.uniprot.org/uniprotkb/search",
			Params:        map[string]string{"query": query, "format": "json"},
			Pagination:    PaginationLinkHeader,
			ItemsPath:     "results",
			PageSizeParam: "size",
			PageSize:      500,
			MaxPages:      maxPages,
			MaxRows:       maxRows,
		},
		Tags: tags,
	}
}

func builtinDatasets() []*Dataset {
	return []*Dataset{
		{
			ID:          "zinc15_250k",
			Name:        "ZINC15 250K (2D)",
			Description: "A 250k compound subset from ZINC suitable for virtual screening and pretraining.",
			Source:      "ZINC via chemical_vae mirror",
			Homepage:    "https://zinc.docking.org/",
			LicenseName: "Upstream ZINC terms",
			LicenseURL:  "https://zinc.docking.org/terms/",
			URLs: []string{
				"https://raw.githubusercontent.com/aspuru-guzik-group/chemical_vae/main/models/zinc_properties/250k_rndm_zinc_drugs_clean_3.csv",
				"https://raw.githubusercontent.com/aspuru-guzik-group/chemical_vae/master/models/zinc_properties/250k_rndm_zinc_drugs_clean_3.csv",
			},
			Format:   FormatCSV,
			Category: "compound_library",
			Tags:     []string{"zinc", "virtual_screening", "small_molecules"},
		},

		zincTrancheDataset("zinc15_tranche_druglike_instock", "In-Stock", "B", "in_stock"),
		zincTrancheDataset("zinc15_tranche_druglike_agent", "Agent", "C", "agent"),
		zincTrancheDataset("zinc15_tranche_druglike_wait_ok", "Wait-OK", "D", "wait_ok"),
		zincTrancheDataset("zinc15_tranche_druglike_boutique", "Boutique", "E", "boutique"),
		zincTrancheDataset("zinc15_tranche_druglike_annotated", "Annotated", "F", "annotated"),

		moleculeNetDataset("tox21", "Tox21",
			"Nuclear receptor and stress response toxicity assays.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/tox21.csv.gz",
			"toxicity", "toxicity", "classification", "admet"),
		moleculeNetDataset("bbbp", "BBBP",
			"Blood-brain barrier penetration classification dataset.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/BBBP.csv",
			"admet", "bbb", "classification", "admet"),
		moleculeNetDataset("bace", "BACE",
			"Binding and inhibition labels for beta-secretase 1.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/bace.csv",
			"target_activity", "target", "activity", "classification", "regression"),
		moleculeNetDataset("clintox", "ClinTox",
			"Clinical toxicity labels for marketed and failed compounds.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/clintox.csv.gz",
			"toxicity", "toxicity", "clinical", "admet"),
		moleculeNetDataset("sider", "SIDER",
			"Side effect labels curated from marketed drugs.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/sider.csv.gz",
			"safety", "side_effects", "safety", "multitask"),
		moleculeNetDataset("hiv", "HIV",
			"HIV replication inhibition activity labels.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/HIV.csv",
			"target_activity", "hiv", "classification", "bioactivity"),
		moleculeNetDataset("muv", "MUV",
			"Maximum unbiased validation benchmark for virtual screening tasks.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/muv.csv.gz",
			"virtual_screening", "virtual_screening", "classification", "hts"),
		moleculeNetDataset("esol", "ESOL",
			"Aqueous solubility regression benchmark.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/delaney-processed.csv",
			"physchem", "solubility", "regression", "admet"),
		moleculeNetDataset("freesolv", "FreeSolv",
			"Hydration free energy regression set for small molecules.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/SAMPL.csv",
			"physchem", "solvation", "regression", "qm"),
		moleculeNetDataset("pcba", "PCBA",
			"PubChem BioAssay multitask virtual screening benchmark.",
			"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/pcba.csv.gz",
			"virtual_screening", "pcba", "hts", "multitask"),
		{
			ID:          "lipophilicity",
			Name:        "Lipophilicity",
			Description: "Octanol/water distribution coefficient (logD) regression dataset.",
			Source:      "MoleculeNet/DeepChem",
			Homepage:    "https://moleculenet.org/datasets-1",
			LicenseName: "Dataset-specific upstream terms",
			LicenseURL:  "https://moleculenet.org/",
			URLs: []string{
				"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/Lipophilicity.csv",
				"https://deepchemdata.s3-us-west-1.amazonaws.com/datasets/lipo.csv",
			},
			Format:   FormatCSV,
			Category: "physchem",
			Tags:     []string{"logd", "regression", "admet"},
		},

		chemblDataset("chembl_activity_ki_human", "ChEMBL Human Ki Activities",
			"ChEMBL activity records for human targets with Ki and pChEMBL values, useful for potency modeling.",
			"https://www.ebi.ac.uk/chembl/api/data/activity.json", "activities", "target_activity",
			map[string]string{
				"target_organism":       "Homo sapiens",
				"standard_type":         "Ki",
				"pchembl_value__isnull": "false",
			},
			40, 25000, "api", "chembl", "human", "ki", "potency"),
		chemblDataset("chembl_activity_ic50_human", "ChEMBL Human IC50 Activities",
			"ChEMBL activity records for human targets with IC50 and pChEMBL values, useful for activity modeling.",
			"https://www.ebi.ac.uk/chembl/api/data/activity.json", "activities", "target_activity",
			map[string]string{
				"target_organism":       "Homo sapiens",
				"standard_type":         "IC50",
				"pchembl_value__isnull": "false",
			},
			40, 25000, "api", "chembl", "human", "ic50", "potency"),
		chemblDataset("chembl_assays_binding_human", "ChEMBL Human Binding Assays",
			"Binding-type ChEMBL assays for human targets, useful for assay context and panel design.",
			"https://www.ebi.ac.uk/chembl/api/data/assay.json", "assays", "assays",
			map[string]string{
				"assay_type":      "B",
				"target_organism": "Homo sapiens",
			},
			20, 12000, "api", "chembl", "human", "assays", "binding"),
		chemblDataset("chembl_targets_human_single_protein", "ChEMBL Human Single-Protein Targets",
			"ChEMBL target records restricted to human single proteins for target universe definition.",
			"https://www.ebi.ac.uk/chembl/api/data/target.json", "targets", "targets",
			map[string]string{
				"target_type": "SINGLE PROTEIN",
				"organism":    "Homo sapiens",
			},
			10, 8000, "api", "chembl", "human", "targets"),
		chemblDataset("chembl_molecules_phase3plus", "ChEMBL Molecules Phase 3+",
			"ChEMBL molecules with max clinical phase >= 3, useful for late-stage scaffold and property priors.",
			"https://www.ebi.ac.uk/chembl/api/data/molecule.json", "molecules", "compound_library",
			map[string]string{"max_phase__gte": "3"},
			30, 20000, "api", "chembl", "clinical", "phase3plus"),

		uniprotDataset("uniprot_human_reviewed", "UniProt Human Reviewed Proteome",
			"Reviewed human UniProtKB entries (Swiss-Prot) for baseline target annotation and sequence features.",
			"organism_id:9606 AND reviewed:true",
			"targets", 40, 20000, "api", "uniprot", "human", "reviewed", "targets"),
		uniprotDataset("uniprot_human_kinases", "UniProt Human Kinases",
			"Reviewed human proteins annotated as kinases for kinase-focused target campaigns.",
			"organism_id:9606 AND reviewed:true AND keyword:Kinase",
			"target_families", 20, 8000, "api", "uniprot", "human", "kinase", "target_family"),
		uniprotDataset("uniprot_human_gpcr", "UniProt Human GPCRs",
			"Reviewed human GPCR proteins for receptor-focused target selection and annotation.",
			`organism_id:9606 AND reviewed:true AND keyword:"G-protein coupled receptor"`,
			"target_families", 20, 8000, "api", "uniprot", "human", "gpcr", "target_family"),
		uniprotDataset("uniprot_human_ion_channels", "UniProt Human Ion Channels",
			"Reviewed human ion channel proteins for ion-channel-focused campaign planning.",
			`organism_id:9606 AND reviewed:true AND keyword:"Ion channel"`,
			"target_families", 20, 8000, "api", "uniprot", "human", "ion_channel", "target_family"),
		uniprotDataset("uniprot_human_transporters", "UniProt Human Transporters",
			"Reviewed human transporter proteins for transporter liability and uptake/efflux modeling contexts.",
			"organism_id:9606 AND reviewed:true AND keyword:Transport",
			"target_families", 20, 8000, "api", "uniprot", "human", "transporters", "target_family"),
	}
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
)

// Default returns the built-in dataset catalog.
func Default() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := FromEntries(builtinDatasets())
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}
