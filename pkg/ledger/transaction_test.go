package ledger

import (
	"errors"
	"testing"
)

func mustSignedTransaction(test *testing.T) Transaction {
	test.Helper()
	transaction, err := buildTransaction("tx-1", transactionIntent{
		userID:          mustUserID(test, "signer"),
		transactionType: TransactionImageGeneration,
		amount:          -25,
		metadata:        Metadata{Model: "image-model"},
	}, Balance{Credits: 100, Version: 4}, fixedNow)
	if err != nil {
		test.Fatalf("build transaction: %v", err)
	}
	return transaction
}

func TestBuildTransactionComputesBalances(test *testing.T) {
	test.Parallel()
	transaction := mustSignedTransaction(test)
	if transaction.BalanceBefore != 100 || transaction.BalanceAfter != 75 || transaction.Sequence != 5 {
		test.Fatalf("unexpected transaction: %+v", transaction)
	}
	if !transaction.Timestamp.Equal(fixedNow) {
		test.Fatalf("expected timestamp %v, got %v", fixedNow, transaction.Timestamp)
	}
	if len(transaction.Signature) != 64 {
		test.Fatalf("expected hex sha256 signature, got %q", transaction.Signature)
	}
}

func TestBuildTransactionRejectsNegativeBalance(test *testing.T) {
	test.Parallel()
	_, err := buildTransaction("tx-2", transactionIntent{
		userID:          mustUserID(test, "signer"),
		transactionType: TransactionVideoGeneration,
		amount:          -150,
	}, Balance{Credits: 100}, fixedNow)
	var insufficient InsufficientBalanceError
	if !errors.As(err, &insufficient) || insufficient.Required != 150 || insufficient.Balance != 100 {
		test.Fatalf("expected insufficient balance details, got %v", err)
	}
	if _, err := buildTransaction(" ", transactionIntent{amount: 1}, Balance{}, fixedNow); !errors.Is(err, ErrInvalidTransactionID) {
		test.Fatalf(errorMismatchMessage, ErrInvalidTransactionID, err)
	}
}

func TestSignatureIsDeterministic(test *testing.T) {
	test.Parallel()
	transaction := mustSignedTransaction(test)
	if SignTransaction(transaction) != transaction.Signature {
		test.Fatalf("expected recomputed signature to match")
	}
	if err := VerifyTransaction(transaction); err != nil {
		test.Fatalf("verify: %v", err)
	}
	transaction.Metadata.Note = "metadata is not signed"
	if err := VerifyTransaction(transaction); err != nil {
		test.Fatalf("expected metadata edits to keep signature valid, got %v", err)
	}
}

func TestSignatureDetectsFieldMutation(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		mutate func(transaction *Transaction)
	}{
		{name: "user", mutate: func(transaction *Transaction) { transaction.UserID = UserID{value: "someone-else"} }},
		{name: "id", mutate: func(transaction *Transaction) { transaction.TransactionID = "tx-forged" }},
		{name: "type", mutate: func(transaction *Transaction) { transaction.Type = TransactionRefund }},
		{name: "amount", mutate: func(transaction *Transaction) { transaction.Amount = -1 }},
		{name: "before", mutate: func(transaction *Transaction) { transaction.BalanceBefore = 1000 }},
		{name: "after", mutate: func(transaction *Transaction) { transaction.BalanceAfter = 99 }},
		{name: "signature", mutate: func(transaction *Transaction) { transaction.Signature = "00" }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			transaction := mustSignedTransaction(test)
			testCase.mutate(&transaction)
			if err := VerifyTransaction(transaction); !errors.Is(err, ErrTampered) {
				test.Fatalf(errorMismatchMessage, ErrTampered, err)
			}
		})
	}
}

func TestVerifyRejectsResignedArithmeticMismatch(test *testing.T) {
	test.Parallel()
	transaction := mustSignedTransaction(test)
	transaction.BalanceAfter = 80
	transaction.Signature = SignTransaction(transaction)
	err := VerifyTransaction(transaction)
	var operationError OperationError
	if !errors.As(err, &operationError) || operationError.Code() != errorCodeTamperedTransaction {
		test.Fatalf("expected tampered arithmetic error, got %v", err)
	}
}
