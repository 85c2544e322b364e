package feed

import "github.com/rpattn/feeddelta/internal/domain"

// Default returns the registry built from the built-in catalog.
func Default() *Registry {
	r, err := NewRegistry(Catalog()...)
	if err != nil {
		panic("feed: invalid built-in catalog: " + err.Error())
	}
	return r
}

// Catalog returns the built-in feed definitions in processing order.
func Catalog() []domain.FeedSchema {
	return []domain.FeedSchema{
		{
			Name:          domain.FeedLoanMaster,
			FilePattern:   "loan_master_%s.csv",
			StagingTable:  "stg_loan_master",
			SnapshotTable: "snap_loan_master",
			PrimaryKey:    []string{"loan_id"},
			Columns: []string{
				"loan_id", "borrower_id", "product_code", "status", "origination_date", "maturity_date",
				"principal_balance", "currency", "interest_rate", "ltv", "branch_id", "region", "last_modified_at",
			},
			HeaderAliases: map[string]string{
				"loanid":             "loan_id",
				"loan":               "loan_id",
				"borrowerid":         "borrower_id",
				"productcode":        "product_code",
				"principalbalance":   "principal_balance",
				"interestrate":       "interest_rate",
				"last_modified_date": "last_modified_at",
				"lastmodifieddate":   "last_modified_at",
			},
		},
		{
			Name:          domain.FeedPaymentTransaction,
			FilePattern:   "payment_transaction_%s.csv",
			StagingTable:  "stg_payment_transaction",
			SnapshotTable: "snap_payment_transaction",
			PrimaryKey:    []string{"transaction_id"},
			Columns: []string{
				"transaction_id", "loan_id", "transaction_date", "posting_date", "transaction_type",
				"amount", "currency", "channel", "reference",
			},
			HeaderAliases: map[string]string{
				"transactionid":   "transaction_id",
				"postingdate":     "posting_date",
				"transactiondate": "transaction_date",
				"transactiontype": "transaction_type",
			},
		},
		{
			Name:          domain.FeedBorrower,
			FilePattern:   "borrower_%s.csv",
			StagingTable:  "stg_borrower",
			SnapshotTable: "snap_borrower",
			PrimaryKey:    []string{"borrower_id"},
			Columns: []string{
				"borrower_id", "first_name", "last_name", "date_of_birth", "national_id_hash", "email",
				"phone", "employer", "annual_income", "created_date", "modified_date",
			},
			HeaderAliases: map[string]string{
				"borrowerid":     "borrower_id",
				"dateofbirth":    "date_of_birth",
				"nationalidhash": "national_id_hash",
				"annualincome":   "annual_income",
				"createddate":    "created_date",
				"modifieddate":   "modified_date",
			},
		},
		{
			Name:          domain.FeedCoborrower,
			FilePattern:   "coborrower_%s.csv",
			StagingTable:  "stg_coborrower",
			SnapshotTable: "snap_coborrower",
			PrimaryKey:    []string{"loan_id", "coborrower_id"},
			Columns: []string{
				"loan_id", "coborrower_id", "first_name", "last_name", "date_of_birth", "relationship", "email", "phone",
			},
			HeaderAliases: map[string]string{
				"coborrowerid": "coborrower_id",
				"dateofbirth":  "date_of_birth",
			},
		},
		{
			Name:          domain.FeedCollateral,
			FilePattern:   "collateral_%s.csv",
			StagingTable:  "stg_collateral",
			SnapshotTable: "snap_collateral",
			PrimaryKey:    []string{"collateral_id"},
			Columns: []string{
				"collateral_id", "loan_id", "property_type", "street", "city", "state", "postal_code",
				"country", "valuation_amount", "valuation_date", "occupancy", "year_built",
			},
			HeaderAliases: map[string]string{
				"collateralid":    "collateral_id",
				"propertytype":    "property_type",
				"postalcode":      "postal_code",
				"valuationamount": "valuation_amount",
				"valuationdate":   "valuation_date",
				"yearbuilt":       "year_built",
			},
		},
		{
			Name:          domain.FeedPaymentSchedule,
			FilePattern:   "payment_schedule_%s.csv",
			StagingTable:  "stg_payment_schedule",
			SnapshotTable: "snap_payment_schedule",
			PrimaryKey:    []string{"loan_id", "installment_no"},
			Columns: []string{
				"loan_id", "installment_no", "due_date", "due_amount", "principal_due", "interest_due", "escrow_due", "status",
			},
			HeaderAliases: map[string]string{
				"installmentno": "installment_no",
				"duedate":       "due_date",
				"dueamount":     "due_amount",
				"principaldue":  "principal_due",
				"interestdue":   "interest_due",
				"escrowdue":     "escrow_due",
			},
		},
		{
			Name:          domain.FeedDelinquency,
			FilePattern:   "delinquency_%s.csv",
			StagingTable:  "stg_delinquency",
			SnapshotTable: "snap_delinquency",
			PrimaryKey:    []string{"loan_id"},
			Columns: []string{
				"loan_id", "days_past_due", "delinquency_bucket", "next_action", "next_action_date", "hardship_flag",
			},
			HeaderAliases: map[string]string{
				"dayspastdue":       "days_past_due",
				"delinquencybucket": "delinquency_bucket",
				"nextaction":        "next_action",
				"nextactiondate":    "next_action_date",
				"hardshipflag":      "hardship_flag",
			},
		},
		{
			Name:          domain.FeedRate,
			FilePattern:   "rate_%s.csv",
			StagingTable:  "stg_rate",
			SnapshotTable: "snap_rate",
			PrimaryKey:    []string{"loan_id"},
			Columns: []string{
				"loan_id", "rate_type", "index_name", "margin", "current_rate", "next_reset_date", "cap", "floor",
			},
			HeaderAliases: map[string]string{
				"ratetype":      "rate_type",
				"indexname":     "index_name",
				"currentrate":   "current_rate",
				"nextresetdate": "next_reset_date",
			},
		},
		{
			Name:          domain.FeedEscrow,
			FilePattern:   "escrow_%s.csv",
			StagingTable:  "stg_escrow",
			SnapshotTable: "snap_escrow",
			PrimaryKey:    []string{"loan_id"},
			Columns: []string{
				"loan_id", "escrow_balance", "tax_reserve", "insurance_reserve", "hazard_policy_no",
				"hazard_premium", "flood_policy_no", "flood_premium",
			},
			HeaderAliases: map[string]string{
				"escrowbalance":    "escrow_balance",
				"taxreserve":       "tax_reserve",
				"insurancereserve": "insurance_reserve",
				"hazardpolicyno":   "hazard_policy_no",
				"hazardpremium":    "hazard_premium",
				"floodpolicyno":    "flood_policy_no",
				"floodpremium":     "flood_premium",
			},
		},
		{
			Name:          domain.FeedModification,
			FilePattern:   "modification_%s.csv",
			StagingTable:  "stg_modification",
			SnapshotTable: "snap_modification",
			PrimaryKey:    []string{"modification_id"},
			Columns: []string{
				"modification_id", "loan_id", "modification_type", "effective_date", "new_interest_rate",
				"new_term_months", "reason", "status",
			},
			HeaderAliases: map[string]string{
				"modificationid":   "modification_id",
				"modificationtype": "modification_type",
				"effectivedate":    "effective_date",
				"newinterestrate":  "new_interest_rate",
				"newtermmonths":    "new_term_months",
			},
		},
		{
			// Curated subset of a CRM export; aliases cover its display headers
			// such as "ZIP/Postal Code" and "State/Province/Territory".
			Name:          domain.FeedContactCRM,
			FilePattern:   "contact_crm_%s.csv",
			StagingTable:  "stg_contact_crm",
			SnapshotTable: "snap_contact_crm",
			PrimaryKey:    []string{"contact_id"},
			Columns: []string{
				"contact_id", "email", "secondary_email", "office_phone", "home_phone", "cell_phone",
				"first_name", "last_name", "company", "position", "city", "state_province",
				"zip_postal_code", "country", "created_date", "modified_date",
			},
			HeaderAliases: map[string]string{
				"zippostalcode":            "zip_postal_code",
				"postal_code":              "zip_postal_code",
				"state_province_territory": "state_province",
				"createddate":              "created_date",
				"modifieddate":             "modified_date",
			},
		},
	}
}
